package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Ciphertext is a client supplied field that may hold plaintext or an
// encrypted envelope. The server stores and relays it byte for byte and has
// no accessor for its content.
type Ciphertext struct {
	v string
}

// SealedText wraps raw client bytes. It exists for clients and tests; server
// code only ever obtains a Ciphertext by decoding a request.
func SealedText(s string) Ciphertext {
	return Ciphertext{v: s}
}

func (c Ciphertext) IsZero() bool {
	return c.v == ""
}

func (c Ciphertext) Len() int {
	return len(c.v)
}

func (c Ciphertext) Equal(o Ciphertext) bool {
	return c.v == o.v
}

func (c Ciphertext) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.v)
}

func (c *Ciphertext) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		c.v = ""
		return nil
	}
	return json.Unmarshal(b, &c.v)
}

func (c Ciphertext) Value() (driver.Value, error) {
	return c.v, nil
}

func (c *Ciphertext) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		c.v = ""
	case string:
		c.v = v
	case []byte:
		c.v = string(v)
	default:
		return fmt.Errorf("ciphertext: unsupported scan type %T", src)
	}
	return nil
}

// Reveal returns the raw bytes. Only the client side encryption package
// calls it.
func (c Ciphertext) Reveal() string {
	return c.v
}

// GoString keeps the content out of %#v output.
func (c Ciphertext) GoString() string {
	return fmt.Sprintf("types.Ciphertext{len:%d}", len(c.v))
}

// String keeps the content out of logs.
func (c Ciphertext) String() string {
	return fmt.Sprintf("<ciphertext len=%d>", len(c.v))
}
