package queryclassifier

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Classifier", func() {
	var c *Classifier

	BeforeEach(func() {
		var err error
		c, err = New(Config{
			OLAPRowThreshold: 100_000,
			OLTPTables:       []string{"projects", "pages"},
			OLAPTables:       []string{"capture_events"},
		})
		Expect(err).ToNot(HaveOccurred())
	})

	Context("classification rules, first match wins", func() {
		It("tags single-row user lookups as USER_AUTH on OLTP", func() {
			plan := c.Analyze("SELECT * FROM users WHERE email = 'a@b.c'", Context{})
			Expect(plan.QueryType).To(Equal(TypeUserAuth))
			Expect(plan.Target).To(Equal(TargetOLTP))
		})

		It("routes mutations to OLTP and marks them mutating", func() {
			plan := c.Analyze("UPDATE projects SET name = 'x' WHERE id = 1", Context{})
			Expect(plan.Mutating).To(BeTrue())
			Expect(plan.Target).To(Equal(TargetOLTP))
			Expect(plan.QueryType).To(Equal(TypeProjectCRUD))
		})

		It("classifies page-table mutations as PAGE_MANAGEMENT", func() {
			plan := c.Analyze("INSERT INTO pages (url) VALUES ('x')", Context{})
			Expect(plan.QueryType).To(Equal(TypePageManagement))
		})

		It("routes multi-aggregate GROUP BY queries to OLAP as AGGREGATION", func() {
			plan := c.Analyze("SELECT domain, COUNT(*), AVG(length) FROM captures GROUP BY domain", Context{})
			Expect(plan.QueryType).To(Equal(TypeAggregation))
			Expect(plan.Target).To(Equal(TargetOLAP))
		})

		It("routes window functions to OLAP", func() {
			plan := c.Analyze("SELECT url, ROW_NUMBER() OVER (PARTITION BY domain ORDER BY ts) FROM captures", Context{})
			Expect(plan.Target).To(Equal(TargetOLAP))
			Expect(plan.QueryType).To(Equal(TypeAnalytics))
		})

		It("routes _v2 analytical views to OLAP", func() {
			plan := c.Analyze("SELECT * FROM capture_summary_v2 WHERE domain = 'x'", Context{})
			Expect(plan.Target).To(Equal(TargetOLAP))
		})

		It("tags time-bucketed GROUP BY as TIME_SERIES on OLAP", func() {
			plan := c.Analyze("SELECT date_trunc('day', ts), COUNT(*) FROM events GROUP BY date_trunc('day', ts)", Context{})
			// Single aggregate, so the multi-aggregate rule does not fire
			// first; time-bucket rule wins.
			Expect(plan.QueryType).To(Equal(TypeTimeSeries))
			Expect(plan.Target).To(Equal(TargetOLAP))
		})

		It("tags queries spanning OLTP-only and OLAP-only tables as HYBRID", func() {
			plan := c.Analyze("SELECT p.name FROM projects p JOIN capture_events e ON e.project_id = p.id WHERE p.active", Context{})
			Expect(plan.QueryType).To(Equal(TypeHybrid))
			Expect(plan.Target).To(Equal(TargetHybrid))
			Expect(plan.OLTPTables).To(ContainElement("projects"))
			Expect(plan.OLAPTables).To(ContainElement("capture_events"))
		})

		It("defaults everything else to MODERATE on OLTP", func() {
			plan := c.Analyze("SELECT name FROM projects WHERE owner = 'x'", Context{})
			Expect(plan.Target).To(Equal(TargetOLTP))
			Expect(plan.Complexity).To(Equal(ComplexityModerate))
		})
	})

	Context("cache eligibility", func() {
		It("forces cache off for USER_AUTH and mutating plans", func() {
			auth := c.Analyze("SELECT * FROM users WHERE id = 7", Context{})
			Expect(auth.CacheAllowed).To(BeFalse())

			mut := c.Analyze("DELETE FROM projects WHERE id = 7", Context{})
			Expect(mut.CacheAllowed).To(BeFalse())

			read := c.Analyze("SELECT name FROM projects", Context{})
			Expect(read.CacheAllowed).To(BeTrue())
		})
	})

	Context("hints", func() {
		It("suggests SUBQUERY_TO_JOIN for IN (SELECT ...)", func() {
			plan := c.Analyze("SELECT * FROM projects WHERE id IN (SELECT project_id FROM pages)", Context{})
			Expect(plan.Hints).To(ContainElement(HintSubqueryToJoin))
		})

		It("suggests ADD_LIMIT for large estimated unlimited reads", func() {
			c.Stats().Record([]string{"captures"}, 500_000, 2*time.Second)
			plan := c.Analyze("SELECT * FROM captures WHERE domain = 'x'", Context{})
			Expect(plan.Hints).To(ContainElement(HintAddLimit))
		})
	})

	Context("statistics feedback", func() {
		It("routes to OLAP once recorded row counts cross the threshold", func() {
			before := c.Analyze("SELECT url FROM captures WHERE domain = 'x'", Context{})
			Expect(before.Target).To(Equal(TargetOLTP))

			c.Stats().Record([]string{"captures"}, 250_000, 3*time.Second)
			after := c.Analyze("SELECT url FROM captures WHERE domain = 'x'", Context{})
			Expect(after.Target).To(Equal(TargetOLAP))
		})
	})

	Context("canonicalization", func() {
		It("is idempotent", func() {
			sql := "  SELECT   *\n FROM projects ; "
			once := Canonicalize(sql)
			Expect(Canonicalize(once)).To(Equal(once))
			Expect(once).To(Equal("select * from projects"))
		})
	})

	Context("dependency extraction", func() {
		It("collects every referenced table once", func() {
			plan := c.Analyze("SELECT * FROM a JOIN b ON a.id = b.a_id JOIN a ON true", Context{})
			Expect(plan.Tables).To(Equal([]string{"a", "b"}))
		})
	})
})
