package psrpvalue

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strconv"
	"time"
)

// encoder tracks the state needed to dedup type-name chains across a single
// encoded stream, per MS-PSRP's TN/TNRef mechanism.
type encoder struct {
	buf       bytes.Buffer
	tnChains  map[string]int // joined type-name chain -> RefId
	nextTNRef int
	nextRef   int
}

// Encode renders v as a CLIXML fragment (one top-level element, no XML
// declaration) suitable for embedding inside a PSRP message body.
func Encode(v Value) ([]byte, error) {
	e := &encoder{tnChains: make(map[string]int)}
	if err := e.writeValue("", v); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

// EncodeNamed renders v under the given CLIXML element name override (used
// for <Obj N="propName"> style children); tag may be empty for top-level use.
func EncodeNamed(tag string, v Value) ([]byte, error) {
	e := &encoder{tnChains: make(map[string]int)}
	if err := e.writeValue(tag, v); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

func nameAttr(tag string) string {
	if tag == "" {
		return ""
	}
	return fmt.Sprintf(` N=%s`, quoteAttr(tag))
}

func quoteAttr(s string) string {
	var b bytes.Buffer
	b.WriteByte('"')
	_ = xml.EscapeText(&b, []byte(s))
	b.WriteByte('"')
	return b.String()
}

func (e *encoder) writeValue(tag string, v Value) error {
	attr := nameAttr(tag)
	switch v.Kind {
	case KindNil:
		fmt.Fprintf(&e.buf, "<Nil%s />", attr)
	case KindString:
		e.writeText("S", attr, v.Str)
	case KindBool:
		fmt.Fprintf(&e.buf, "<B%s>%t</B>", attr, v.Bool)
	case KindInt32:
		fmt.Fprintf(&e.buf, "<I32%s>%d</I32>", attr, v.I32)
	case KindUint32:
		fmt.Fprintf(&e.buf, "<U32%s>%d</U32>", attr, v.U32)
	case KindInt64:
		fmt.Fprintf(&e.buf, "<I64%s>%d</I64>", attr, v.I64)
	case KindDouble:
		fmt.Fprintf(&e.buf, "<Db%s>%s</Db>", attr, strconv.FormatFloat(v.Double, 'G', -1, 64))
	case KindBytes:
		e.writeText("BA", attr, base64.StdEncoding.EncodeToString(v.Bytes))
	case KindVersion:
		e.writeText("Version", attr, v.Version)
	case KindGUID:
		e.writeText("G", attr, v.GUID.String())
	case KindDuration:
		fmt.Fprintf(&e.buf, "<TS%s>%s</TS>", attr, durationToXSD(v.Duration))
	case KindDateTime:
		e.writeText("DT", attr, v.DateTime.Format(dateTimeLayout))
	case KindScriptBlock:
		e.writeText("SBK", attr, v.Script)
	case KindChar:
		fmt.Fprintf(&e.buf, "<C%s>%d</C>", attr, v.Char)
	case KindDecimal:
		e.writeText("D", attr, v.Decimal)
	case KindComplexObject:
		return e.writeComplex(tag, v.Complex)
	default:
		return fmt.Errorf("psrpvalue: encode: unknown kind %v", v.Kind)
	}
	return nil
}

func (e *encoder) writeText(elem, attr, text string) {
	fmt.Fprintf(&e.buf, "<%s%s>", elem, attr)
	_ = xml.EscapeText(&e.buf, []byte(text))
	fmt.Fprintf(&e.buf, "</%s>", elem)
}

func (e *encoder) writeComplex(tag string, c *ComplexObject) error {
	if c == nil {
		fmt.Fprintf(&e.buf, "<Nil%s />", nameAttr(tag))
		return nil
	}
	if c.Content == ContentRef {
		fmt.Fprintf(&e.buf, `<Ref%s RefId="%s" />`, nameAttr(tag), c.RefID)
		return nil
	}

	ref := e.nextRef
	e.nextRef++
	fmt.Fprintf(&e.buf, `<Obj%s RefId="%d">`, nameAttr(tag), ref)

	if len(c.TypeNames) > 0 {
		if err := e.writeTypeNames(c.TypeNames); err != nil {
			return err
		}
	}
	if c.HasToString {
		e.writeText("ToString", "", c.ToString)
	}

	switch c.Content {
	case ContentList, ContentStack, ContentQueue:
		tagName := map[ContentKind]string{ContentList: "LST", ContentStack: "STK", ContentQueue: "QUE"}[c.Content]
		fmt.Fprintf(&e.buf, "<%s>", tagName)
		for _, item := range c.Items {
			if err := e.writeValue("", item); err != nil {
				return err
			}
		}
		fmt.Fprintf(&e.buf, "</%s>", tagName)
	case ContentDict:
		e.buf.WriteString("<DCT>")
		for _, entry := range c.Dict {
			e.buf.WriteString("<En>")
			if err := e.writeValue("Key", entry.Key); err != nil {
				return err
			}
			if err := e.writeValue("Value", entry.Value); err != nil {
				return err
			}
			e.buf.WriteString("</En>")
		}
		e.buf.WriteString("</DCT>")
	case ContentEnum:
		fmt.Fprintf(&e.buf, "<I32>%d</I32>", c.EnumValue)
	}

	if c.Adapted.Len() > 0 {
		if err := e.writeBag("Props", c.Adapted); err != nil {
			return err
		}
	}
	if c.Extended.Len() > 0 {
		if err := e.writeBag("MS", c.Extended); err != nil {
			return err
		}
	}

	e.buf.WriteString("</Obj>")
	return nil
}

func (e *encoder) writeBag(elem string, bag *PropertyBag) error {
	fmt.Fprintf(&e.buf, "<%s>", elem)
	for _, p := range bag.Ordered() {
		if err := e.writeValue(p.Name, p.Value); err != nil {
			return err
		}
	}
	fmt.Fprintf(&e.buf, "</%s>", elem)
	return nil
}

// writeTypeNames emits <TN RefId="n">...chain...</TN> the first time a chain
// is seen in this stream, and <TNRef RefId="n" /> on every subsequent use,
// per spec §8's RefId/TNRef dedup invariant.
func (e *encoder) writeTypeNames(chain []string) error {
	key := fmt.Sprintf("%v", chain)
	if ref, ok := e.tnChains[key]; ok {
		fmt.Fprintf(&e.buf, `<TNRef RefId="%d" />`, ref)
		return nil
	}
	ref := e.nextTNRef
	e.nextTNRef++
	e.tnChains[key] = ref
	fmt.Fprintf(&e.buf, `<TN RefId="%d">`, ref)
	for _, name := range chain {
		e.writeText("T", "", name)
	}
	e.buf.WriteString("</TN>")
	return nil
}

const dateTimeLayout = "2006-01-02T15:04:05.9999999Z07:00"

// durationToXSD renders d in the xs:duration form CLIXML uses for <TS>
// (e.g. "P1DT2H3M4.5S"), matching the System.Xml.XmlConvert.ToString(TimeSpan)
// format PowerShell emits.
func durationToXSD(d time.Duration) string {
	neg := d < 0
	if neg {
		d = -d
	}

	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	seconds := float64(d) / float64(time.Second)

	var b bytes.Buffer
	if neg {
		b.WriteByte('-')
	}
	b.WriteByte('P')
	if days > 0 {
		fmt.Fprintf(&b, "%dD", days)
	}
	b.WriteByte('T')
	if hours > 0 {
		fmt.Fprintf(&b, "%dH", hours)
	}
	if minutes > 0 {
		fmt.Fprintf(&b, "%dM", minutes)
	}
	fmt.Fprintf(&b, "%sS", strconv.FormatFloat(seconds, 'f', -1, 64))
	return b.String()
}
