// pkg/dec112/addcallsub.go
package dec112

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

var ErrNoVCard = errors.New("no subscriber vcard")

// ParseAddCallSub condenses the subscriber vCard of an additional call data
// document into a flat record.
func ParseAddCallSub(doc string) (DataRecord, error) {
	root, err := parseXML(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse subscriber info: %w", err)
	}

	// root is EmergencyCallData.SubscriberInfo
	vcard := root.path("subscriberdata", "vcards", "vcard")
	if vcard == nil {
		return nil, ErrNoVCard
	}

	rec := DataRecord{}
	set := func(key, value string) {
		if value != "" {
			rec[key] = value
		}
	}

	set("name", vcard.path("fn", "text").value())
	tel := vcard.path("tel", "text").value()
	if tel == "" {
		tel = vcard.path("tel", "uri").value()
	}
	set("tel", tel)
	set("email", vcard.path("email", "text").value())

	if adr := vcard.child("adr"); adr != nil {
		for _, field := range []string{"street", "locality", "region", "code", "country"} {
			set("adr."+field, adr.child(field).value())
		}
	}

	note := vcard.path("note", "text").value()
	if note != "" {
		var parsed any
		if err := json.Unmarshal([]byte(note), &parsed); err == nil {
			flatten("notes", parsed, rec)
		} else {
			rec["notes"] = note
		}
	}
	return rec, nil
}

// flatten writes nested JSON values under dotted keys.
func flatten(prefix string, v any, out DataRecord) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			flatten(prefix+"."+k, t[k], out)
		}
	case []any:
		for i, e := range t {
			flatten(prefix+"."+strconv.Itoa(i), e, out)
		}
	case nil:
	case string:
		out[prefix] = t
	case float64:
		out[prefix] = strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		out[prefix] = strconv.FormatBool(t)
	default:
		out[prefix] = fmt.Sprint(t)
	}
}
