package introspection

import (
	"encoding/json"
	"strings"
)

// Result is the claim map returned by the introspection endpoint. It is
// immutable: accessors hand out copies.
type Result struct {
	claims map[string]interface{}
}

// NewResult copies claims into a Result.
func NewResult(claims map[string]interface{}) Result {
	cp := make(map[string]interface{}, len(claims))
	for k, v := range claims {
		cp[k] = v
	}
	return Result{claims: cp}
}

// Active reports the RFC 7662 active flag. Anything but a JSON true is
// inactive.
func (r Result) Active() bool {
	active, _ := r.claims["active"].(bool)
	return active
}

// Get returns a single claim.
func (r Result) Get(name string) (interface{}, bool) {
	v, ok := r.claims[name]
	return v, ok
}

// String returns a string claim, or "" when absent or of another type.
func (r Result) String(name string) string {
	s, _ := r.claims[name].(string)
	return strings.TrimSpace(s)
}

// Claims returns a copy of the claim map.
func (r Result) Claims() map[string]interface{} {
	return NewResult(r.claims).claims
}

func (r Result) MarshalJSON() ([]byte, error) {
	if r.claims == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r.claims)
}

func (r *Result) UnmarshalJSON(b []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	*r = NewResult(m)
	return nil
}
