package apk

import (
	"bytes"
	"encoding/binary"
	"encoding/xml"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf16"
)

// Manifest holds the fields of AndroidManifest.xml the bridge reports.
type Manifest struct {
	Package     string
	VersionName string
	VersionCode int64
	XML         string
}

// Binary XML chunk types.
const (
	chunkStringPool   = 0x0001
	chunkXML          = 0x0003
	chunkStartNS      = 0x0100
	chunkEndNS        = 0x0101
	chunkStartElement = 0x0102
	chunkEndElement   = 0x0103
	chunkCData        = 0x0104
	chunkResourceMap  = 0x0180

	flagUTF8 = 1 << 8
)

// Typed value data types.
const (
	typeReference = 0x01
	typeString    = 0x03
	typeFloat     = 0x04
	typeIntDec    = 0x10
	typeIntHex    = 0x11
	typeBoolean   = 0x12
)

const androidNS = "http://schemas.android.com/apk/res/android"

var errTruncated = errors.New("axml: truncated")

type axmlAttr struct {
	ns, name string
	value    string
	dataType uint8
	data     uint32
}

// ParseManifest decodes a binary manifest, or a text one if raw starts
// with '<'.
func ParseManifest(raw []byte) (Manifest, error) {
	trimmed := bytes.TrimLeft(raw, " \t\r\n\ufeff")
	if len(trimmed) > 0 && trimmed[0] == '<' {
		return parseTextManifest(raw)
	}
	return parseBinaryManifest(raw)
}

func parseBinaryManifest(raw []byte) (Manifest, error) {
	var m Manifest
	if len(raw) < 8 {
		return m, errTruncated
	}
	le := binary.LittleEndian
	if le.Uint16(raw) != chunkXML {
		return m, fmt.Errorf("axml: bad file type 0x%x", le.Uint16(raw))
	}

	var (
		pool   []string
		out    strings.Builder
		prefix = map[string]string{}
		nsDecl []string
		depth  int
	)

	off := int(le.Uint16(raw[2:]))
	for off+8 <= len(raw) {
		typ := le.Uint16(raw[off:])
		hdr := int(le.Uint16(raw[off+2:]))
		size := int(le.Uint32(raw[off+4:]))
		if size < 8 || off+size > len(raw) {
			return m, errTruncated
		}
		chunk := raw[off : off+size]

		switch typ {
		case chunkStringPool:
			p, err := parseStringPool(chunk)
			if err != nil {
				return m, err
			}
			pool = p

		case chunkStartNS:
			if len(chunk) < 24 {
				return m, errTruncated
			}
			pfx := poolString(pool, le.Uint32(chunk[16:]))
			uri := poolString(pool, le.Uint32(chunk[20:]))
			prefix[uri] = pfx
			nsDecl = append(nsDecl, fmt.Sprintf(` xmlns:%s="%s"`, pfx, escape(uri)))

		case chunkStartElement:
			name, attrs, err := parseStartElement(chunk, hdr, pool)
			if err != nil {
				return m, err
			}
			out.WriteString(strings.Repeat("  ", depth))
			out.WriteString("<" + name)
			if depth == 0 {
				for _, d := range nsDecl {
					out.WriteString(d)
				}
			}
			for _, a := range attrs {
				qn := a.name
				if p := prefix[a.ns]; p != "" {
					qn = p + ":" + a.name
				}
				fmt.Fprintf(&out, ` %s="%s"`, qn, escape(a.value))
			}
			out.WriteString(">\n")
			depth++

			if name == "manifest" {
				for _, a := range attrs {
					switch {
					case a.name == "package" && a.ns == "":
						m.Package = a.value
					case a.name == "versionName" && a.ns == androidNS:
						m.VersionName = a.value
					case a.name == "versionCode" && a.ns == androidNS:
						if a.dataType == typeIntDec || a.dataType == typeIntHex {
							m.VersionCode = int64(a.data)
						} else {
							m.VersionCode, _ = strconv.ParseInt(a.value, 10, 64)
						}
					}
				}
			}

		case chunkEndElement:
			if len(chunk) < 24 {
				return m, errTruncated
			}
			depth--
			if depth < 0 {
				depth = 0
			}
			out.WriteString(strings.Repeat("  ", depth))
			out.WriteString("</" + poolString(pool, le.Uint32(chunk[20:])) + ">\n")

		case chunkEndNS, chunkCData, chunkResourceMap:
		}
		off += size
	}

	m.XML = out.String()
	return m, nil
}

func parseStartElement(chunk []byte, hdr int, pool []string) (string, []axmlAttr, error) {
	le := binary.LittleEndian
	if len(chunk) < hdr+20 {
		return "", nil, errTruncated
	}
	ext := chunk[hdr:]
	name := poolString(pool, le.Uint32(ext[4:]))
	attrStart := int(le.Uint16(ext[8:]))
	attrSize := int(le.Uint16(ext[10:]))
	attrCount := int(le.Uint16(ext[12:]))
	if attrSize < 20 {
		attrSize = 20
	}

	attrs := make([]axmlAttr, 0, attrCount)
	for i := 0; i < attrCount; i++ {
		a := attrStart + i*attrSize
		if a+20 > len(ext) {
			return "", nil, errTruncated
		}
		at := ext[a:]
		attr := axmlAttr{
			ns:       poolString(pool, le.Uint32(at)),
			name:     poolString(pool, le.Uint32(at[4:])),
			dataType: at[15],
			data:     le.Uint32(at[16:]),
		}
		if rawIdx := le.Uint32(at[8:]); rawIdx != 0xffffffff {
			attr.value = poolString(pool, rawIdx)
		} else {
			attr.value = formatTyped(attr.dataType, attr.data, pool)
		}
		attrs = append(attrs, attr)
	}
	return name, attrs, nil
}

func formatTyped(dataType uint8, data uint32, pool []string) string {
	switch dataType {
	case typeString:
		return poolString(pool, data)
	case typeIntDec:
		return strconv.FormatInt(int64(int32(data)), 10)
	case typeIntHex:
		return "0x" + strconv.FormatUint(uint64(data), 16)
	case typeBoolean:
		if data != 0 {
			return "true"
		}
		return "false"
	case typeReference:
		return fmt.Sprintf("@0x%08x", data)
	case typeFloat:
		return strconv.FormatFloat(float64(math.Float32frombits(data)), 'g', -1, 32)
	}
	return fmt.Sprintf("(type 0x%x)0x%x", dataType, data)
}

func parseStringPool(chunk []byte) ([]string, error) {
	le := binary.LittleEndian
	if len(chunk) < 28 {
		return nil, errTruncated
	}
	count := int(le.Uint32(chunk[8:]))
	flags := le.Uint32(chunk[16:])
	stringsStart := int(le.Uint32(chunk[20:]))
	if 28+count*4 > len(chunk) {
		return nil, errTruncated
	}

	pool := make([]string, count)
	for i := 0; i < count; i++ {
		pos := stringsStart + int(le.Uint32(chunk[28+i*4:]))
		if pos >= len(chunk) {
			return nil, errTruncated
		}
		var err error
		if flags&flagUTF8 != 0 {
			pool[i], err = decodeUTF8(chunk[pos:])
		} else {
			pool[i], err = decodeUTF16(chunk[pos:])
		}
		if err != nil {
			return nil, err
		}
	}
	return pool, nil
}

// decodeUTF8 reads a pool entry: UTF-16 length, UTF-8 length, bytes.
func decodeUTF8(b []byte) (string, error) {
	_, n := utf8Len(b)
	if n == 0 {
		return "", errTruncated
	}
	b = b[n:]
	size, n := utf8Len(b)
	if n == 0 || n+size > len(b) {
		return "", errTruncated
	}
	return string(b[n : n+size]), nil
}

func utf8Len(b []byte) (int, int) {
	if len(b) < 1 {
		return 0, 0
	}
	if b[0]&0x80 == 0 {
		return int(b[0]), 1
	}
	if len(b) < 2 {
		return 0, 0
	}
	return int(b[0]&0x7f)<<8 | int(b[1]), 2
}

func decodeUTF16(b []byte) (string, error) {
	le := binary.LittleEndian
	if len(b) < 2 {
		return "", errTruncated
	}
	size := int(le.Uint16(b))
	b = b[2:]
	if size&0x8000 != 0 {
		if len(b) < 2 {
			return "", errTruncated
		}
		size = (size&0x7fff)<<16 | int(le.Uint16(b))
		b = b[2:]
	}
	if size*2 > len(b) {
		return "", errTruncated
	}
	units := make([]uint16, size)
	for i := range units {
		units[i] = le.Uint16(b[i*2:])
	}
	return string(utf16.Decode(units)), nil
}

func poolString(pool []string, idx uint32) string {
	if idx == 0xffffffff || int(idx) >= len(pool) {
		return ""
	}
	return pool[idx]
}

func escape(s string) string {
	var b strings.Builder
	xml.EscapeText(&b, []byte(s))
	return b.String()
}

type textManifest struct {
	Package string     `xml:"package,attr"`
	Attrs   []xml.Attr `xml:",any,attr"`
}

func parseTextManifest(raw []byte) (Manifest, error) {
	var tm textManifest
	if err := xml.Unmarshal(raw, &tm); err != nil {
		return Manifest{}, fmt.Errorf("axml: text manifest: %w", err)
	}
	m := Manifest{Package: tm.Package, XML: string(raw)}
	for _, a := range tm.Attrs {
		switch a.Name.Local {
		case "versionName":
			m.VersionName = a.Value
		case "versionCode":
			m.VersionCode, _ = strconv.ParseInt(a.Value, 10, 64)
		}
	}
	return m, nil
}
