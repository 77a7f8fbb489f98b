package apk

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf16"
)

// axmlWriter builds minimal binary manifests for tests.
type axmlWriter struct {
	pool  []string
	index map[string]uint32
	body  bytes.Buffer
}

type testAttr struct {
	ns, name string
	str      string
	dataType uint8
	data     uint32
}

func newAXMLWriter() *axmlWriter {
	return &axmlWriter{index: make(map[string]uint32)}
}

func (w *axmlWriter) str(s string) uint32 {
	if i, ok := w.index[s]; ok {
		return i
	}
	i := uint32(len(w.pool))
	w.pool = append(w.pool, s)
	w.index[s] = i
	return i
}

func (w *axmlWriter) ref(s string) uint32 {
	if s == "" {
		return 0xffffffff
	}
	return w.str(s)
}

func (w *axmlWriter) node(typ uint16, ext []byte) {
	le := binary.LittleEndian
	var b [16]byte
	le.PutUint16(b[0:], typ)
	le.PutUint16(b[2:], 16)
	le.PutUint32(b[4:], uint32(16+len(ext)))
	le.PutUint32(b[8:], 1)
	le.PutUint32(b[12:], 0xffffffff)
	w.body.Write(b[:])
	w.body.Write(ext)
}

func (w *axmlWriter) startNS(prefix, uri string) {
	ext := make([]byte, 8)
	binary.LittleEndian.PutUint32(ext[0:], w.str(prefix))
	binary.LittleEndian.PutUint32(ext[4:], w.str(uri))
	w.node(chunkStartNS, ext)
}

func (w *axmlWriter) start(name string, attrs ...testAttr) {
	le := binary.LittleEndian
	ext := make([]byte, 20+20*len(attrs))
	le.PutUint32(ext[0:], 0xffffffff)
	le.PutUint32(ext[4:], w.str(name))
	le.PutUint16(ext[8:], 20)
	le.PutUint16(ext[10:], 20)
	le.PutUint16(ext[12:], uint16(len(attrs)))
	for i, a := range attrs {
		at := ext[20+20*i:]
		le.PutUint32(at[0:], w.ref(a.ns))
		le.PutUint32(at[4:], w.str(a.name))
		le.PutUint32(at[8:], 0xffffffff)
		le.PutUint16(at[12:], 8)
		at[15] = a.dataType
		if a.dataType == typeString {
			le.PutUint32(at[8:], w.str(a.str))
			le.PutUint32(at[16:], w.str(a.str))
		} else {
			le.PutUint32(at[16:], a.data)
		}
	}
	w.node(chunkStartElement, ext)
}

func (w *axmlWriter) end(name string) {
	ext := make([]byte, 8)
	binary.LittleEndian.PutUint32(ext[0:], 0xffffffff)
	binary.LittleEndian.PutUint32(ext[4:], w.str(name))
	w.node(chunkEndElement, ext)
}

func (w *axmlWriter) bytes() []byte {
	le := binary.LittleEndian

	var strs bytes.Buffer
	offsets := make([]uint32, len(w.pool))
	for i, s := range w.pool {
		offsets[i] = uint32(strs.Len())
		units := utf16.Encode([]rune(s))
		binary.Write(&strs, le, uint16(len(units)))
		binary.Write(&strs, le, units)
		binary.Write(&strs, le, uint16(0))
	}
	for strs.Len()%4 != 0 {
		strs.WriteByte(0)
	}

	var pool bytes.Buffer
	start := 28 + 4*len(w.pool)
	binary.Write(&pool, le, uint16(chunkStringPool))
	binary.Write(&pool, le, uint16(28))
	binary.Write(&pool, le, uint32(start+strs.Len()))
	binary.Write(&pool, le, uint32(len(w.pool)))
	binary.Write(&pool, le, uint32(0))
	binary.Write(&pool, le, uint32(0))
	binary.Write(&pool, le, uint32(start))
	binary.Write(&pool, le, uint32(0))
	binary.Write(&pool, le, offsets)
	pool.Write(strs.Bytes())

	var out bytes.Buffer
	binary.Write(&out, le, uint16(chunkXML))
	binary.Write(&out, le, uint16(8))
	binary.Write(&out, le, uint32(8+pool.Len()+w.body.Len()))
	out.Write(pool.Bytes())
	out.Write(w.body.Bytes())
	return out.Bytes()
}

func binaryManifest() []byte {
	w := newAXMLWriter()
	w.startNS("android", androidNS)
	w.start("manifest",
		testAttr{ns: androidNS, name: "versionCode", dataType: typeIntDec, data: 42},
		testAttr{ns: androidNS, name: "versionName", dataType: typeString, str: "4.2.0"},
		testAttr{name: "package", dataType: typeString, str: "com.example.native"},
	)
	w.start("application", testAttr{ns: androidNS, name: "debuggable", dataType: typeBoolean, data: 0xffffffff})
	w.end("application")
	w.end("manifest")
	return w.bytes()
}

func buildZip(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range files {
		f, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create %s: %v", name, err)
		}
		if _, err := f.Write(data); err != nil {
			t.Fatalf("zip write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func TestParseBinaryManifest(t *testing.T) {
	m, err := ParseManifest(binaryManifest())
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if m.Package != "com.example.native" {
		t.Errorf("Package = %q", m.Package)
	}
	if m.VersionName != "4.2.0" || m.VersionCode != 42 {
		t.Errorf("version = %q/%d", m.VersionName, m.VersionCode)
	}
	for _, want := range []string{
		`<manifest xmlns:android="` + androidNS + `"`,
		`android:versionCode="42"`,
		`<application android:debuggable="true">`,
		`</manifest>`,
	} {
		if !strings.Contains(m.XML, want) {
			t.Errorf("XML missing %q:\n%s", want, m.XML)
		}
	}
}

func TestParseTextManifest(t *testing.T) {
	raw := []byte(`<?xml version="1.0" encoding="utf-8"?>
<manifest xmlns:android="http://schemas.android.com/apk/res/android"
    package="com.example.text" android:versionCode="3" android:versionName="0.3">
</manifest>`)

	m, err := ParseManifest(raw)
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if m.Package != "com.example.text" || m.VersionCode != 3 || m.VersionName != "0.3" {
		t.Errorf("manifest = %+v", m)
	}
}

func TestParseManifestErrors(t *testing.T) {
	tests := map[string][]byte{
		"empty":     nil,
		"bad type":  {0x02, 0x00, 0x08, 0x00, 0x08, 0x00, 0x00, 0x00},
		"truncated": binaryManifest()[:40],
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseManifest(raw); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestAPKAccessors(t *testing.T) {
	data := buildZip(t, map[string][]byte{
		"AndroidManifest.xml":       binaryManifest(),
		"assets/config.json":        []byte(`{"a":1}`),
		"lib/arm64-v8a/libfoo.so":   []byte("foo64"),
		"lib/armeabi-v7a/libfoo.so": []byte("foo32"),
		"lib/arm64-v8a/libbar.so":   []byte("bar64"),
		"META-INF/CERT.RSA":         []byte("sig"),
		"META-INF/MANIFEST.MF":      []byte("mf"),
		"META-INF/sub/OTHER.RSA":    []byte("nested"),
	})

	a, err := New("app.apk", bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if a.PackageName() != "com.example.native" || a.VersionCode() != 42 {
		t.Errorf("metadata = %q/%d", a.PackageName(), a.VersionCode())
	}
	if len(a.Manifest()) == 0 || a.ManifestXML() == "" {
		t.Error("manifest not exposed")
	}
	if got := string(a.OpenAsset("config.json")); got != `{"a":1}` {
		t.Errorf("OpenAsset = %q", got)
	}
	if a.OpenAsset("missing") != nil {
		t.Error("missing asset should be nil")
	}
	if got := string(a.FileData("lib/arm64-v8a/libfoo.so")); got != "foo64" {
		t.Errorf("FileData = %q", got)
	}

	sigs := a.Signatures()
	if len(sigs) != 1 || sigs[0].Name != "META-INF/CERT.RSA" || string(sigs[0].Data) != "sig" {
		t.Errorf("Signatures = %+v", sigs)
	}

	libs := a.NativeLibraries()
	if got := strings.Join(libs["arm64-v8a"], ","); got != "libbar.so,libfoo.so" {
		t.Errorf("arm64 libs = %q", got)
	}
	if a.Split("config.arm64_v8a.apk") != nil {
		t.Error("reader-backed package should have no splits")
	}
}

func TestOpenAndSplit(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.apk")
	split := filepath.Join(dir, "config.arm64_v8a.apk")

	if err := os.WriteFile(base, buildZip(t, map[string][]byte{
		"AndroidManifest.xml": binaryManifest(),
	}), 0o644); err != nil {
		t.Fatalf("write base: %v", err)
	}
	if err := os.WriteFile(split, buildZip(t, map[string][]byte{
		"lib/arm64-v8a/libfoo.so": []byte("from-split"),
	}), 0o644); err != nil {
		t.Fatalf("write split: %v", err)
	}

	a, err := Open(base)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	s := a.Split("config.arm64_v8a.apk")
	if s == nil {
		t.Fatal("split not found")
	}
	if got := string(s.FileData("lib/arm64-v8a/libfoo.so")); got != "from-split" {
		t.Errorf("split data = %q", got)
	}
	if a.Split("config.arm64_v8a.apk") != s {
		t.Error("split should be cached")
	}
	if a.Split("config.armeabi_v7a.apk") != nil {
		t.Error("absent split should be nil")
	}
}

func TestOpenErrors(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "none.apk")); err == nil {
		t.Error("expected error for missing file")
	}
	junk := []byte("not a zip")
	if _, err := New("junk", bytes.NewReader(junk), int64(len(junk))); err == nil {
		t.Error("expected error for non-zip data")
	}
}
