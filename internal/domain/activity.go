package domain

import "encoding/json"

const (
	ActivityAdd    = "Add"
	ActivityRemove = "Remove"
	ActivityFollow = "Follow"
)

// Activity is a JSON-LD-like activity document. Only the fields the
// federation core reads are given accessors; everything else round-trips.
type Activity map[string]any

// ParseActivity decodes a JSON activity document.
func ParseActivity(data []byte) (Activity, error) {
	var a Activity
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	return a, nil
}

func (a Activity) ID() string     { return a.String("id") }
func (a Activity) Type() string   { return a.String("type") }
func (a Activity) Actor() string  { return a.Ref("actor") }
func (a Activity) Object() string { return a.Ref("object") }
func (a Activity) Target() string { return a.Ref("target") }

// String returns a top-level string field or "".
func (a Activity) String(key string) string {
	if a == nil {
		return ""
	}
	s, _ := a[key].(string)
	return s
}

// Ref returns a field that may be either an IRI string or an embedded object
// carrying an "id".
func (a Activity) Ref(key string) string {
	if a == nil {
		return ""
	}
	switch v := a[key].(type) {
	case string:
		return v
	case map[string]any:
		id, _ := v["id"].(string)
		return id
	}
	return ""
}

// Embedded returns a field as a nested activity when it is an object.
func (a Activity) Embedded(key string) Activity {
	if a == nil {
		return nil
	}
	if m, ok := a[key].(map[string]any); ok {
		return Activity(m)
	}
	return nil
}

// Strings returns a field normalised to a list of IRIs. Both a single value
// and an array are accepted.
func (a Activity) Strings(key string) []string {
	if a == nil {
		return nil
	}
	switch v := a[key].(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			switch it := item.(type) {
			case string:
				out = append(out, it)
			case map[string]any:
				if id, ok := it["id"].(string); ok {
					out = append(out, id)
				}
			}
		}
		return out
	}
	return nil
}

func (a Activity) Marshal() ([]byte, error) {
	return json.Marshal(map[string]any(a))
}
