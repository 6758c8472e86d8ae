package client

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// The backend is inconsistent about JSON types: ids and counters arrive as
// numbers or strings depending on the endpoint. These types accept either
// and never fail, so one odd field cannot abort a whole listing.

type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*s = ""
	case b[0] == '"':
		var v string
		if err := json.Unmarshal(b, &v); err == nil {
			*s = flexString(v)
		}
	case b[0] == '{' || b[0] == '[':
		*s = ""
	default:
		// number or bool literal
		*s = flexString(b)
	}
	return nil
}

type flexInt int

func (n *flexInt) UnmarshalJSON(b []byte) error {
	var s flexString
	_ = s.UnmarshalJSON(b)
	str := strings.TrimSpace(string(s))
	if str == "" {
		*n = 0
		return nil
	}
	if i, err := strconv.Atoi(str); err == nil {
		*n = flexInt(i)
		return nil
	}
	if f, err := strconv.ParseFloat(str, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		*n = flexInt(int(f))
		return nil
	}
	*n = 0
	return nil
}

type flexBool bool

func (v *flexBool) UnmarshalJSON(b []byte) error {
	var s flexString
	_ = s.UnmarshalJSON(b)
	switch strings.ToLower(strings.TrimSpace(string(s))) {
	case "true", "1", "si", "sí", "s", "yes":
		*v = true
	default:
		*v = false
	}
	return nil
}
