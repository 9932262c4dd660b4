package capture

import (
	"github.com/go-faster/jx"
)

// DecodeCommonCrawlObject decodes one Common Crawl CDX JSON object using
// go-faster/jx rather than encoding/json: these records are decoded at high
// volume inside the direct-index scan where jx's
// allocation-light decoder avoids reflection on the hot path. status is
// accepted as either a JSON number or string since providers disagree.
func DecodeCommonCrawlObject(raw []byte) (CommonCrawlObject, error) {
	var obj CommonCrawlObject
	d := jx.DecodeBytes(raw)
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var s string
		var err error
		switch string(key) {
		case "timestamp":
			s, err = d.Str()
			obj.Timestamp = s
		case "url":
			s, err = d.Str()
			obj.URL = s
		case "filename":
			s, err = d.Str()
			obj.Filename = s
		case "offset":
			obj.Offset, err = d.Int64()
		case "length":
			obj.Length, err = d.Int64()
		case "status":
			obj.Status, err = decodeFlexibleString(d)
		case "mime":
			s, err = d.Str()
			obj.Mime = s
		case "digest":
			s, err = d.Str()
			obj.Digest = s
		default:
			return d.Skip()
		}
		return err
	})
	return obj, err
}

// decodeFlexibleString reads a JSON value as a string whether the provider
// encoded it as a JSON string or a JSON number.
func decodeFlexibleString(d *jx.Decoder) (string, error) {
	switch d.Next() {
	case jx.String:
		return d.Str()
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return "", err
		}
		return n.String(), nil
	default:
		if err := d.Skip(); err != nil {
			return "", err
		}
		return "", nil
	}
}
