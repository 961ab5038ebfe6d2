package psrpvalue

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// node is a minimal DOM-style tree read off an xml.Decoder token stream,
// matching spec.md §1's assumption that a DOM-style node reader is available
// without pulling in a third-party XML tree library the pack never uses for
// this shape of document.
type node struct {
	name     string
	attrs    map[string]string
	text     string
	children []*node
}

func (n *node) attr(name string) (string, bool) {
	v, ok := n.attrs[name]
	return v, ok
}

func (n *node) childrenNamed(name string) []*node {
	var out []*node
	for _, c := range n.children {
		if c.name == name {
			out = append(out, c)
		}
	}
	return out
}

func (n *node) firstChild(name string) *node {
	for _, c := range n.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

// parseNodes reads one or more sibling top-level elements from r into nodes.
func parseNodes(r io.Reader) ([]*node, error) {
	dec := xml.NewDecoder(r)
	var roots []*node
	var stack []*node
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("psrpvalue: decode: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &node{name: t.Name.Local, attrs: make(map[string]string)}
			for _, a := range t.Attr {
				n.attrs[a.Name.Local] = a.Value
			}
			if len(stack) > 0 {
				top := stack[len(stack)-1]
				top.children = append(top.children, n)
			}
			stack = append(stack, n)
		case xml.EndElement:
			if len(stack) == 0 {
				return nil, fmt.Errorf("psrpvalue: decode: unbalanced end element %s", t.Name.Local)
			}
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				roots = append(roots, n)
			}
		case xml.CharData:
			if len(stack) > 0 {
				top := stack[len(stack)-1]
				top.text += string(t)
			}
		}
	}
	if len(stack) != 0 {
		return nil, fmt.Errorf("psrpvalue: decode: truncated document")
	}
	return roots, nil
}

// decoder carries the TN RefId table needed to resolve <TNRef> backreferences.
type decoder struct {
	tnByRef map[string][]string
}

// Decode parses a single CLIXML fragment (as produced by Encode) back into a Value.
func Decode(data []byte) (Value, error) {
	roots, err := parseNodes(strings.NewReader(string(data)))
	if err != nil {
		return Value{}, err
	}
	if len(roots) != 1 {
		return Value{}, fmt.Errorf("psrpvalue: decode: expected exactly one top-level element, got %d", len(roots))
	}
	d := &decoder{tnByRef: make(map[string][]string)}
	return d.decodeValue(roots[0])
}

// DecodeAll parses zero or more sibling top-level CLIXML elements, as found
// inside a <Objs> or message-body wrapper.
func DecodeAll(data []byte) ([]Value, error) {
	roots, err := parseNodes(strings.NewReader(string(data)))
	if err != nil {
		return nil, err
	}
	d := &decoder{tnByRef: make(map[string][]string)}
	out := make([]Value, 0, len(roots))
	for _, r := range roots {
		v, err := d.decodeValue(r)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (d *decoder) decodeValue(n *node) (Value, error) {
	switch n.name {
	case "Nil":
		return Nil(), nil
	case "S":
		return String(n.text), nil
	case "B":
		b, err := strconv.ParseBool(strings.TrimSpace(n.text))
		if err != nil {
			return Value{}, fmt.Errorf("psrpvalue: decode: bad <B> %q: %w", n.text, err)
		}
		return Bool(b), nil
	case "I32":
		v, err := strconv.ParseInt(strings.TrimSpace(n.text), 10, 32)
		if err != nil {
			return Value{}, fmt.Errorf("psrpvalue: decode: bad <I32> %q: %w", n.text, err)
		}
		return Int32(int32(v)), nil
	case "U32":
		v, err := strconv.ParseUint(strings.TrimSpace(n.text), 10, 32)
		if err != nil {
			return Value{}, fmt.Errorf("psrpvalue: decode: bad <U32> %q: %w", n.text, err)
		}
		return UInt32(uint32(v)), nil
	case "I64":
		v, err := strconv.ParseInt(strings.TrimSpace(n.text), 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("psrpvalue: decode: bad <I64> %q: %w", n.text, err)
		}
		return Int64(v), nil
	case "Db":
		v, err := strconv.ParseFloat(strings.TrimSpace(n.text), 64)
		if err != nil {
			return Value{}, fmt.Errorf("psrpvalue: decode: bad <Db> %q: %w", n.text, err)
		}
		return Double(v), nil
	case "BA":
		b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(n.text))
		if err != nil {
			return Value{}, fmt.Errorf("psrpvalue: decode: bad <BA>: %w", err)
		}
		return Bytes(b), nil
	case "Version":
		return Value{Kind: KindVersion, Version: n.text}, nil
	case "G":
		id, err := uuid.Parse(strings.TrimSpace(n.text))
		if err != nil {
			return Value{}, fmt.Errorf("psrpvalue: decode: bad <G>: %w", err)
		}
		return GUID(id), nil
	case "TS":
		dur, err := parseISODuration(strings.TrimSpace(n.text))
		if err != nil {
			return Value{}, fmt.Errorf("psrpvalue: decode: bad <TS>: %w", err)
		}
		return Duration(dur), nil
	case "DT":
		t, err := time.Parse(dateTimeLayout, strings.TrimSpace(n.text))
		if err != nil {
			return Value{}, fmt.Errorf("psrpvalue: decode: bad <DT>: %w", err)
		}
		return DateTime(t), nil
	case "SBK":
		return Value{Kind: KindScriptBlock, Script: n.text}, nil
	case "C":
		v, err := strconv.ParseInt(strings.TrimSpace(n.text), 10, 32)
		if err != nil {
			return Value{}, fmt.Errorf("psrpvalue: decode: bad <C> %q: %w", n.text, err)
		}
		return Char(rune(v)), nil
	case "D":
		return Value{Kind: KindDecimal, Decimal: n.text}, nil
	case "Ref":
		refID, _ := n.attr("RefId")
		return Complex(&ComplexObject{Content: ContentRef, RefID: refID}), nil
	case "Obj":
		return d.decodeObj(n)
	default:
		return Value{}, fmt.Errorf("psrpvalue: decode: unrecognized element <%s>", n.name)
	}
}

func (d *decoder) decodeObj(n *node) (Value, error) {
	c := NewComplexObject()

	if tn := n.firstChild("TN"); tn != nil {
		refID, _ := tn.attr("RefId")
		var chain []string
		for _, t := range tn.childrenNamed("T") {
			chain = append(chain, t.text)
		}
		d.tnByRef[refID] = chain
		c.TypeNames = chain
	} else if tnref := n.firstChild("TNRef"); tnref != nil {
		refID, _ := tnref.attr("RefId")
		chain, ok := d.tnByRef[refID]
		if !ok {
			return Value{}, fmt.Errorf("psrpvalue: decode: <TNRef RefId=%q> has no matching <TN>", refID)
		}
		c.TypeNames = chain
	}

	if ts := n.firstChild("ToString"); ts != nil {
		c.ToString = ts.text
		c.HasToString = true
	}

	if lst := n.firstChild("LST"); lst != nil {
		c.Content = ContentList
		items, err := d.decodeChildValues(lst)
		if err != nil {
			return Value{}, err
		}
		c.Items = items
	} else if stk := n.firstChild("STK"); stk != nil {
		c.Content = ContentStack
		items, err := d.decodeChildValues(stk)
		if err != nil {
			return Value{}, err
		}
		c.Items = items
	} else if que := n.firstChild("QUE"); que != nil {
		c.Content = ContentQueue
		items, err := d.decodeChildValues(que)
		if err != nil {
			return Value{}, err
		}
		c.Items = items
	} else if dct := n.firstChild("DCT"); dct != nil {
		c.Content = ContentDict
		for _, en := range dct.childrenNamed("En") {
			var key, val *node
			for _, ch := range en.children {
				switch name, _ := ch.attr("N"); name {
				case "Key":
					key = ch
				case "Value":
					val = ch
				}
			}
			if key == nil || val == nil {
				return Value{}, fmt.Errorf("psrpvalue: decode: <En> missing Key or Value")
			}
			kv, err := d.decodeValue(key)
			if err != nil {
				return Value{}, err
			}
			vv, err := d.decodeValue(val)
			if err != nil {
				return Value{}, err
			}
			c.Dict = append(c.Dict, DictEntry{Key: kv, Value: vv})
		}
	}

	if props := n.firstChild("Props"); props != nil {
		if err := d.decodeBag(props, c.Adapted); err != nil {
			return Value{}, err
		}
	}
	if ms := n.firstChild("MS"); ms != nil {
		if err := d.decodeBag(ms, c.Extended); err != nil {
			return Value{}, err
		}
	}

	return Complex(c), nil
}

func (d *decoder) decodeChildValues(n *node) ([]Value, error) {
	out := make([]Value, 0, len(n.children))
	for _, c := range n.children {
		v, err := d.decodeValue(c)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (d *decoder) decodeBag(n *node, bag *PropertyBag) error {
	for _, c := range n.children {
		name, _ := c.attr("N")
		v, err := d.decodeValue(c)
		if err != nil {
			return fmt.Errorf("psrpvalue: decode: property %q: %w", name, err)
		}
		bag.Set(name, v)
	}
	return nil
}

// parseISODuration parses the xs:duration form durationToXSD emits.
func parseISODuration(s string) (time.Duration, error) {
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("missing leading P in %q", s)
	}
	s = s[1:]

	var datePart, timePart string
	if i := strings.IndexByte(s, 'T'); i >= 0 {
		datePart, timePart = s[:i], s[i+1:]
	} else {
		datePart = s
	}

	var total time.Duration

	if datePart != "" {
		days, rest, err := takeNumber(datePart, 'D')
		if err != nil {
			return 0, err
		}
		total += time.Duration(days) * 24 * time.Hour
		if rest != "" {
			return 0, fmt.Errorf("unexpected trailing date component %q", rest)
		}
	}

	rest := timePart
	if h, r, err := takeNumberIfPresent(rest, 'H'); err != nil {
		return 0, err
	} else {
		total += time.Duration(h) * time.Hour
		rest = r
	}
	if m, r, err := takeNumberIfPresent(rest, 'M'); err != nil {
		return 0, err
	} else {
		total += time.Duration(m) * time.Minute
		rest = r
	}
	if rest != "" {
		if !strings.HasSuffix(rest, "S") {
			return 0, fmt.Errorf("unexpected trailing time component %q", rest)
		}
		secStr := rest[:len(rest)-1]
		secs, err := strconv.ParseFloat(secStr, 64)
		if err != nil {
			return 0, fmt.Errorf("bad seconds component %q: %w", secStr, err)
		}
		total += time.Duration(secs * float64(time.Second))
	}

	if neg {
		total = -total
	}
	return total, nil
}

func takeNumber(s string, suffix byte) (int64, string, error) {
	i := strings.IndexByte(s, suffix)
	if i < 0 {
		return 0, s, fmt.Errorf("missing %q component in %q", string(suffix), s)
	}
	v, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil {
		return 0, s, fmt.Errorf("bad %q component %q: %w", string(suffix), s[:i], err)
	}
	return v, s[i+1:], nil
}

func takeNumberIfPresent(s string, suffix byte) (int64, string, error) {
	i := strings.IndexByte(s, suffix)
	if i < 0 {
		return 0, s, nil
	}
	v, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil {
		return 0, s, fmt.Errorf("bad %q component %q: %w", string(suffix), s[:i], err)
	}
	return v, s[i+1:], nil
}
