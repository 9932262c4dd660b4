package oltp

import (
	"context"
	"database/sql"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/archivecore/webarchive/pkg/dualwritesync"
)

var _ = Describe("PollStream", func() {
	var (
		mock  sqlmock.Sqlmock
		store *Store
	)

	BeforeEach(func() {
		db, m, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
		Expect(err).ToNot(HaveOccurred())
		mock = m
		store = NewFromDB(sqlx.NewDb(db, "pgx"))
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	It("reads events after the cursor in seq order", func() {
		committed := time.Unix(1700000000, 0)
		mock.ExpectQuery(`(?s)SELECT id, seq, table_name, pk, op, after_image, committed_at.*WHERE seq > \$1.*ORDER BY seq`).
			WithArgs(int64(10)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "seq", "table_name", "pk", "op", "after_image", "committed_at"}).
				AddRow(uuid.NewString(), int64(11), "projects", "p1", "UPDATE", `{"name":"a"}`, committed).
				AddRow(uuid.NewString(), int64(12), "projects", "p2", "DELETE", nil, committed))

		stream := store.NewPollStream(10, time.Millisecond)
		first, err := stream.Next(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(first.Seq).To(Equal(int64(11)))
		Expect(first.Op).To(Equal(dualwritesync.OpUpdate))
		Expect(string(first.AfterImage)).To(Equal(`{"name":"a"}`))

		second, err := stream.Next(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(second.Seq).To(Equal(int64(12)))
		Expect(second.Op).To(Equal(dualwritesync.OpDelete))
		Expect(second.AfterImage).To(BeNil())
	})

	It("returns the context error while waiting on a drained stream", func() {
		mock.ExpectQuery(`(?s)SELECT id, seq, table_name`).
			WithArgs(int64(0)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "seq", "table_name", "pk", "op", "after_image", "committed_at"}))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		stream := store.NewPollStream(0, time.Minute)
		_, err := stream.Next(ctx)
		Expect(err).To(MatchError(context.DeadlineExceeded))
	})
})

var _ = Describe("OffsetStore", func() {
	var (
		mock  sqlmock.Sqlmock
		store *Store
	)

	BeforeEach(func() {
		db, m, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
		Expect(err).ToNot(HaveOccurred())
		mock = m
		store = NewFromDB(sqlx.NewDb(db, "pgx"))
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	It("returns zero for a consumer with no persisted offset", func() {
		mock.ExpectQuery(`SELECT last_seq FROM sync_offsets WHERE consumer = \$1`).
			WithArgs("olap-mirror").
			WillReturnError(sql.ErrNoRows)

		seq, err := store.Offsets("olap-mirror").Load(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(seq).To(Equal(int64(0)))
	})

	It("upserts the acknowledged seq", func() {
		mock.ExpectExec(`(?s)INSERT INTO sync_offsets.*ON CONFLICT \(consumer\) DO UPDATE`).
			WithArgs("olap-mirror", int64(42)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		Expect(store.Offsets("olap-mirror").Store(context.Background(), 42)).To(Succeed())
	})
})
