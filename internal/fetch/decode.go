package fetch

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/e7canasta/scanlens/modules/itemcache"
)

// decodeRecord parses a backend payload, keeping property order:
//
//	{
//	  "barcode": "4006381333931",
//	  "results": [
//	    {"system": "erp", "properties": {"name": "Widget", "stock": 12}}
//	  ]
//	}
//
// Missing or empty "results" yields an empty record. Non-string property
// values are rendered as their JSON text.
func decodeRecord(data []byte) (itemcache.Record, error) {
	iter := jsoniter.ParseBytes(jsoniter.ConfigCompatibleWithStandardLibrary, data)

	var rec itemcache.Record
	if iter.WhatIsNext() != jsoniter.ObjectValue {
		return rec, fmt.Errorf("decode record: payload is not a JSON object")
	}

	// ReadObjectCB, unlike ReadObject, tells an empty key from the object end.
	iter.ReadObjectCB(func(iter *jsoniter.Iterator, field string) bool {
		switch field {
		case "results":
			if iter.WhatIsNext() == jsoniter.NilValue {
				iter.Skip()
				return true
			}
			for iter.ReadArray() {
				sys := readSystem(iter)
				if sys != nil && sys.Len() > 0 {
					rec.Systems = append(rec.Systems, sys)
				}
			}
		default:
			iter.Skip()
		}
		return iter.Error == nil
	})

	if iter.Error != nil {
		return itemcache.Record{}, fmt.Errorf("decode record: %w", iter.Error)
	}
	return rec, nil
}

func readSystem(iter *jsoniter.Iterator) *itemcache.System {
	if iter.WhatIsNext() != jsoniter.ObjectValue {
		iter.Skip()
		return nil
	}

	var (
		name  string
		props [][2]string
	)
	iter.ReadObjectCB(func(iter *jsoniter.Iterator, field string) bool {
		switch field {
		case "system":
			name = iter.ReadString()
		case "properties":
			if iter.WhatIsNext() != jsoniter.ObjectValue {
				iter.Skip()
				return true
			}
			iter.ReadMapCB(func(iter *jsoniter.Iterator, key string) bool {
				props = append(props, [2]string{key, readDisplayValue(iter)})
				return iter.Error == nil
			})
		default:
			iter.Skip()
		}
		return iter.Error == nil
	})

	sys := itemcache.NewSystem(name)
	for _, p := range props {
		sys.Set(p[0], p[1])
	}
	return sys
}

func readDisplayValue(iter *jsoniter.Iterator) string {
	switch iter.WhatIsNext() {
	case jsoniter.StringValue:
		return iter.ReadString()
	case jsoniter.NilValue:
		iter.ReadNil()
		return ""
	case jsoniter.NumberValue:
		return iter.ReadNumber().String()
	case jsoniter.BoolValue:
		if iter.ReadBool() {
			return "true"
		}
		return "false"
	default:
		return string(iter.SkipAndReturnBytes())
	}
}
