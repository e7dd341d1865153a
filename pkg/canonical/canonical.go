// Package canonical produces the deterministic byte encoding of a document
// revision and the SHA-256 leaf hash derived from it.
//
// The encoding is a type-tagged, length-prefixed tree:
//
//	value   = tag payload
//	null    = 0x0F
//	bool    = 0x10 (0x00|0x01)
//	int     = 0x20 sign(0x00|0x01) len(u32) magnitude(big-endian, minimal)
//	float   = 0x40 bits(u64, IEEE-754 big-endian)
//	time    = 0x60 len(u32) RFC3339Nano(UTC)
//	string  = 0x80 len(u32) utf8
//	blob    = 0xA0 len(u32) bytes
//	list    = 0xB0 count(u32) value*
//	struct  = 0xD0 count(u32) (len(u32) key value)*   keys sorted by bytes
//
// Every finite integral number is encoded as an int whatever its magnitude
// or spelling, so 1, 1.0, json.Number("1e0") and int64(1) hash identically,
// as do float64(1e21) and json.Number("1000000000000000000000"). Other
// numbers are encoded as the nearest float64.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jmerrifield20/ledgerproof/pkg/hash"
)

const (
	tagNull   byte = 0x0F
	tagBool   byte = 0x10
	tagInt    byte = 0x20
	tagFloat  byte = 0x40
	tagTime   byte = 0x60
	tagString byte = 0x80
	tagBlob   byte = 0xA0
	tagList   byte = 0xB0
	tagStruct byte = 0xD0
)

// maxExponent bounds, together with the literal's length, the decimal
// exponent expanded exactly from a json.Number. A finite float64 value never
// needs more.
const maxExponent = 400

// CanonicalizationError reports a value that has no canonical encoding.
type CanonicalizationError struct {
	Path   string
	Reason string
}

func (e *CanonicalizationError) Error() string {
	if e.Path == "" {
		return "canonicalization: " + e.Reason
	}
	return fmt.Sprintf("canonicalization at %s: %s", e.Path, e.Reason)
}

// RevisionFields are the ledger-assigned metadata that take part in the
// revision hash.
type RevisionFields struct {
	ID      string    `json:"id"`
	Version int64     `json:"version"`
	TxTime  time.Time `json:"tx_time"`
	TxID    string    `json:"tx_id,omitempty"`
}

func (f RevisionFields) value() map[string]any {
	m := map[string]any{
		"id":      f.ID,
		"version": f.Version,
		"txTime":  f.TxTime,
	}
	if f.TxID != "" {
		m["txId"] = f.TxID
	}
	return m
}

// Canonicalize returns the canonical encoding of a revision with the given
// data and metadata.
func Canonicalize(data any, meta RevisionFields) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, revision(data, meta)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// HashOf streams the canonical encoding of a revision into SHA-256 and
// returns the leaf hash.
func HashOf(data any, meta RevisionFields) (hash.Hash, error) {
	d := sha256.New()
	if err := Encode(d, revision(data, meta)); err != nil {
		return nil, err
	}
	return hash.Hash(d.Sum(nil)), nil
}

// HashBytes hashes an already canonical byte sequence.
func HashBytes(b []byte) hash.Hash {
	return hash.Sum(b)
}

func revision(data any, meta RevisionFields) map[string]any {
	return map[string]any{
		"data":     data,
		"metadata": meta.value(),
	}
}

// Encode writes the canonical encoding of v to w.
func Encode(w io.Writer, v any) error {
	e := &encoder{w: w}
	e.value("$", reflect.ValueOf(v))
	return e.err
}

type encoder struct {
	w   io.Writer
	err error
	// containers on the path from the root to the current value
	visiting map[visit]struct{}
}

type visit struct {
	ptr uintptr
	typ reflect.Type
	len int
}

// enter marks a pointer, map or slice as being encoded and fails on a value
// that contains itself.
func (e *encoder) enter(path string, v reflect.Value) bool {
	k := visit{ptr: v.Pointer(), typ: v.Type()}
	if v.Kind() == reflect.Slice {
		k.len = v.Len()
	}
	if _, ok := e.visiting[k]; ok {
		e.fail(path, "cycle through %s", v.Type())
		return false
	}
	if e.visiting == nil {
		e.visiting = make(map[visit]struct{})
	}
	e.visiting[k] = struct{}{}
	return true
}

func (e *encoder) leave(v reflect.Value) {
	k := visit{ptr: v.Pointer(), typ: v.Type()}
	if v.Kind() == reflect.Slice {
		k.len = v.Len()
	}
	delete(e.visiting, k)
}

func (e *encoder) fail(path, format string, args ...any) {
	if e.err == nil {
		e.err = &CanonicalizationError{Path: path, Reason: fmt.Sprintf(format, args...)}
	}
}

func (e *encoder) write(b ...byte) {
	if e.err != nil {
		return
	}
	if _, err := e.w.Write(b); err != nil {
		e.err = fmt.Errorf("write canonical encoding: %w", err)
	}
}

func (e *encoder) u32(n int) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(n))
	e.write(b[:]...)
}

func (e *encoder) bytesField(tag byte, b []byte) {
	e.write(tag)
	e.u32(len(b))
	e.write(b...)
}

func (e *encoder) bigInt(n *big.Int) {
	sign := byte(0x00)
	if n.Sign() < 0 {
		sign = 0x01
	}
	mag := new(big.Int).Abs(n).Bytes()
	e.write(tagInt, sign)
	e.u32(len(mag))
	e.write(mag...)
}

func (e *encoder) float(path string, f float64) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		e.fail(path, "non-finite float %v", f)
		return
	}
	if f == math.Trunc(f) {
		n, _ := big.NewFloat(f).Int(nil)
		e.bigInt(n)
		return
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(f))
	e.write(tagFloat)
	e.write(b[:]...)
}

func (e *encoder) number(path string, n json.Number) {
	s := n.String()
	if i, ok := new(big.Int).SetString(s, 10); ok {
		e.bigInt(i)
		return
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) && math.IsInf(f, 0) {
			e.fail(path, "number %q is out of range", s)
		} else {
			e.fail(path, "invalid number %q", s)
		}
		return
	}
	if exponentWithin(s, maxExponent+len(s)) {
		if r, ok := new(big.Rat).SetString(s); ok && r.IsInt() {
			e.bigInt(r.Num())
			return
		}
	}
	e.float(path, f)
}

// exponentWithin reports whether the decimal exponent of number literal s,
// if any, is at most limit in magnitude.
func exponentWithin(s string, limit int) bool {
	i := strings.IndexAny(s, "eE")
	if i < 0 {
		return true
	}
	exp, err := strconv.Atoi(s[i+1:])
	return err == nil && exp >= -limit && exp <= limit
}

func (e *encoder) value(path string, v reflect.Value) {
	if e.err != nil {
		return
	}
	if !v.IsValid() {
		e.write(tagNull)
		return
	}

	switch x := v.Interface().(type) {
	case json.Number:
		e.number(path, x)
		return
	case time.Time:
		e.bytesField(tagTime, []byte(x.UTC().Format(time.RFC3339Nano)))
		return
	case hash.Hash:
		e.bytesField(tagBlob, x)
		return
	}

	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			e.write(tagNull)
			return
		}
		if v.Kind() == reflect.Pointer {
			if !e.enter(path, v) {
				return
			}
			defer e.leave(v)
		}
		e.value(path, v.Elem())
	case reflect.Bool:
		b := byte(0x00)
		if v.Bool() {
			b = 0x01
		}
		e.write(tagBool, b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		e.bigInt(big.NewInt(v.Int()))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		e.bigInt(new(big.Int).SetUint64(v.Uint()))
	case reflect.Float32, reflect.Float64:
		e.float(path, v.Float())
	case reflect.String:
		e.bytesField(tagString, []byte(v.String()))
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			if v.Kind() == reflect.Slice && v.IsNil() {
				e.write(tagNull)
				return
			}
			b := make([]byte, v.Len())
			for i := range b {
				b[i] = byte(v.Index(i).Uint())
			}
			e.bytesField(tagBlob, b)
			return
		}
		if v.Kind() == reflect.Slice {
			if v.IsNil() {
				e.write(tagNull)
				return
			}
			if !e.enter(path, v) {
				return
			}
			defer e.leave(v)
		}
		e.write(tagList)
		e.u32(v.Len())
		for i := 0; i < v.Len(); i++ {
			e.value(fmt.Sprintf("%s[%d]", path, i), v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			e.fail(path, "map key type %s is not a string", v.Type().Key())
			return
		}
		if v.IsNil() {
			e.write(tagNull)
			return
		}
		if !e.enter(path, v) {
			return
		}
		defer e.leave(v)
		keys := make([]string, 0, v.Len())
		for _, k := range v.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		e.write(tagStruct)
		e.u32(len(keys))
		for _, k := range keys {
			e.u32(len(k))
			e.write([]byte(k)...)
			e.value(path+"."+k, v.MapIndex(reflect.ValueOf(k).Convert(v.Type().Key())))
		}
	case reflect.Struct:
		e.fail(path, "unsupported struct type %s", v.Type())
	default:
		e.fail(path, "unsupported type %s", v.Type())
	}
}
