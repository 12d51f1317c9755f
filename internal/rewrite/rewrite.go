// Package rewrite applies the per-hop attribute transformations described
// in the proxy's rewrite blocks: dropping simple attributes, pruning
// sub-attributes inside Vendor-Specific (type 26) attributes, and rewriting
// the User-Name attribute with a regular expression so the original value
// can be restored on the reply path.
package rewrite

import (
	"encoding/binary"
	"fmt"
	"regexp"

	"github.com/radproxy-go/radproxyd/internal/metrics"
	"github.com/radproxy-go/radproxyd/internal/wire"
)

const vendorSpecificType = 26

// VendorDrop names a vendor sub-attribute to remove from VSAs carrying the
// given vendor ID. SubType -1 drops the entire VSA for that vendor.
type VendorDrop struct {
	VendorID int
	SubType  int // -1 means "drop the whole VSA"
}

// Rule is a compiled rewrite rule: the attribute types to remove outright
// and the vendor sub-attributes to prune from Vendor-Specific attributes.
type Rule struct {
	Name        string
	RemoveAttrs []byte
	VendorDrops []VendorDrop
}

// NewRule builds a Rule from the string-typed removeAttrs and
// removeVendorAttrs lists as they appear in config (a bare attribute number
// such as "18" in removeAttrs, and "vendor,subtype" such as "311,16" in
// removeVendorAttrs).
func NewRule(name string, removeAttrs []string, removeVendorAttrs []string) (*Rule, error) {
	r := &Rule{Name: name}
	for _, s := range removeAttrs {
		n, err := parseUint8(s)
		if err != nil {
			return nil, fmt.Errorf("rewrite %s: remove_attrs %q: %w", name, s, err)
		}
		r.RemoveAttrs = append(r.RemoveAttrs, n)
	}
	for _, s := range removeVendorAttrs {
		vd, err := parseVendorDrop(s)
		if err != nil {
			return nil, fmt.Errorf("rewrite %s: remove_vendor_attrs %q: %w", name, s, err)
		}
		r.VendorDrops = append(r.VendorDrops, vd)
	}
	return r, nil
}

func parseUint8(s string) (byte, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, err
	}
	if n < 0 || n > 255 {
		return 0, fmt.Errorf("value %d out of range", n)
	}
	return byte(n), nil
}

func parseVendorDrop(s string) (VendorDrop, error) {
	var vendor, sub int
	if n, err := fmt.Sscanf(s, "%d,%d", &vendor, &sub); err != nil || n != 2 {
		return VendorDrop{}, fmt.Errorf("expected \"vendor,subtype\"")
	}
	return VendorDrop{VendorID: vendor, SubType: sub}, nil
}

// Apply removes simple attributes and prunes Vendor-Specific sub-attributes
// from pkt in place.
func (r *Rule) Apply(pkt *wire.Packet) {
	if r == nil {
		return
	}
	for _, t := range r.RemoveAttrs {
		if n := pkt.RemoveAttr(t); n > 0 {
			metrics.RewriteOperations.WithLabelValues(r.Name, "remove").Add(float64(n))
		}
	}
	if len(r.VendorDrops) == 0 {
		return
	}

	out := pkt.Attrs[:0]
	for _, a := range pkt.Attrs {
		if a.Type != vendorSpecificType {
			out = append(out, a)
			continue
		}
		kept, changed := r.pruneVSA(a.Value)
		if kept == nil {
			metrics.RewriteOperations.WithLabelValues(r.Name, "remove").Inc()
			continue
		}
		if changed {
			metrics.RewriteOperations.WithLabelValues(r.Name, "remove").Inc()
		}
		out = append(out, wire.Attribute{Type: vendorSpecificType, Value: kept})
	}
	pkt.Attrs = out
}

// pruneVSA walks the sub-attributes of a Vendor-Specific attribute value
// (4-byte vendor ID followed by type/length/value sub-attributes) and drops
// those matching this rule's VendorDrops. A truncated or malformed
// sub-attribute list is returned unchanged, so the VSA is forwarded
// unmodified; no warning is logged for it.
func (r *Rule) pruneVSA(value []byte) (kept []byte, changed bool) {
	if len(value) < 4 {
		return value, false
	}
	vendorID := int(binary.BigEndian.Uint32(value[:4]))

	for _, vd := range r.VendorDrops {
		if vd.VendorID == vendorID && vd.SubType == -1 {
			return nil, true
		}
	}

	subs := value[4:]
	if !validSubAttrs(subs) {
		return value, false
	}

	out := make([]byte, 0, len(value))
	out = append(out, value[:4]...)
	pos := 0
	for pos < len(subs) {
		subType := subs[pos]
		subLen := int(subs[pos+1])
		drop := false
		for _, vd := range r.VendorDrops {
			if vd.VendorID == vendorID && vd.SubType == int(subType) {
				drop = true
				break
			}
		}
		if drop {
			changed = true
		} else {
			out = append(out, subs[pos:pos+subLen]...)
		}
		pos += subLen
	}
	if !changed {
		return value, false
	}
	if len(out) == 4 {
		return nil, true
	}
	return out, true
}

// validSubAttrs reports whether subs decodes as a well-formed sequence of
// type/length/value sub-attributes with no overrun.
func validSubAttrs(subs []byte) bool {
	pos := 0
	for pos < len(subs) {
		if pos+2 > len(subs) {
			return false
		}
		subLen := int(subs[pos+1])
		if subLen < 2 || pos+subLen > len(subs) {
			return false
		}
		pos += subLen
	}
	return true
}

// UsernameRule rewrites the User-Name attribute with a regular expression,
// returning the original value so the reply path can restore it.
type UsernameRule struct {
	re *regexp.Regexp
}

// NewUsernameRule compiles pattern as a case-insensitive regex. The
// replacement is given to Rewrite, which translates its Perl-style
// `\1`..`\9` backreferences to Go's `${1}`..`${9}` syntax on each call.
func NewUsernameRule(pattern string) (*UsernameRule, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("rewrite: compiling username regex %q: %w", pattern, err)
	}
	return &UsernameRule{re: re}, nil
}

// Rewrite applies the replacement to the User-Name attribute of pkt,
// resizing it in place, and returns the original value for restoration on
// the reply path. ok is false if the pattern did not match or there was no
// User-Name attribute.
func (u *UsernameRule) Rewrite(pkt *wire.Packet, replacement string) (original []byte, ok bool, err error) {
	a := pkt.FindAttr(rfc2865UserNameType)
	if a == nil {
		return nil, false, nil
	}
	if !u.re.Match(a.Value) {
		return nil, false, nil
	}

	original = append([]byte(nil), a.Value...)
	translated := translateBackreferences(replacement)
	newValue := u.re.ReplaceAll(a.Value, []byte(translated))

	if err := pkt.ResizeAttr(rfc2865UserNameType, newValue); err != nil {
		return nil, false, err
	}
	return original, true, nil
}

// Restore puts the original pre-rewrite User-Name value back into pkt,
// for use on a reply headed back to the client that saw the rewritten
// form going out.
func Restore(pkt *wire.Packet, original []byte) error {
	if pkt.FindAttr(rfc2865UserNameType) == nil {
		return nil
	}
	return pkt.ResizeAttr(rfc2865UserNameType, original)
}

const rfc2865UserNameType = 1

// translateBackreferences rewrites \1..\9 into Go regexp's ${1}..${9} so
// configs written against the proxy's Perl-style documented syntax behave
// the same way under Go's RE2 replacement engine. The braces keep a
// following letter or digit out of the group name (`\1x` is group 1 then
// "x", not a group named "1x").
func translateBackreferences(replacement string) string {
	out := make([]byte, 0, len(replacement))
	for i := 0; i < len(replacement); i++ {
		if replacement[i] == '\\' && i+1 < len(replacement) && replacement[i+1] >= '1' && replacement[i+1] <= '9' {
			out = append(out, '$', '{', replacement[i+1], '}')
			i++
			continue
		}
		out = append(out, replacement[i])
	}
	return string(out)
}
