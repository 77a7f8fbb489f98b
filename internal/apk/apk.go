// Package apk reads Android application packages.
package apk

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/zboralski/dalvik/internal/dvm"
	glog "github.com/zboralski/dalvik/internal/log"
)

const manifestEntry = "AndroidManifest.xml"

// ABIs in the order the info command reports them.
var ABIs = []string{"arm64-v8a", "armeabi-v7a", "armeabi", "x86_64", "x86"}

// APK is an opened package. It implements dvm.Package.
type APK struct {
	path   string
	name   string
	zr     *zip.Reader
	closer io.Closer
	files  map[string]*zip.File

	manifest []byte
	info     Manifest

	mu     sync.Mutex
	splits map[string]*APK
}

var _ dvm.Package = (*APK)(nil)

// Open reads the package at path. Splits are looked up next to it.
func Open(p string) (*APK, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("apk: opening %s: %w", p, err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("apk: stat %s: %w", p, err)
	}

	a, err := New(filepath.Base(p), f, stat.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	a.path = p
	a.closer = f
	return a, nil
}

// New reads a package from r. A package created this way has no
// directory, so Split always returns nil.
func New(name string, r io.ReaderAt, size int64) (*APK, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("apk: opening zip %s: %w", name, err)
	}

	a := &APK{
		name:   name,
		zr:     zr,
		files:  make(map[string]*zip.File, len(zr.File)),
		splits: make(map[string]*APK),
	}
	for _, f := range zr.File {
		a.files[f.Name] = f
	}

	if raw := a.FileData(manifestEntry); raw != nil {
		a.manifest = raw
		info, err := ParseManifest(raw)
		if err != nil {
			glog.Or(nil).Debug("manifest not decoded", zap.String("apk", name), zap.Error(err))
		} else {
			a.info = info
		}
	}
	return a, nil
}

// Close releases the file and any splits opened through Split.
func (a *APK) Close() error {
	a.mu.Lock()
	splits := a.splits
	a.splits = make(map[string]*APK)
	a.mu.Unlock()

	for _, s := range splits {
		s.Close()
	}
	if a.closer != nil {
		return a.closer.Close()
	}
	return nil
}

// Name is the archive file name.
func (a *APK) Name() string { return a.name }

func (a *APK) PackageName() string { return a.info.Package }
func (a *APK) VersionName() string { return a.info.VersionName }
func (a *APK) VersionCode() int64  { return a.info.VersionCode }

// Manifest returns AndroidManifest.xml as stored, usually binary XML.
func (a *APK) Manifest() []byte { return a.manifest }

// ManifestXML returns the decoded manifest as text.
func (a *APK) ManifestXML() string { return a.info.XML }

// Info returns the decoded manifest fields.
func (a *APK) Info() Manifest { return a.info }

// FileData reads an entry. Missing or unreadable entries yield nil.
func (a *APK) FileData(name string) []byte {
	f, ok := a.files[name]
	if !ok {
		return nil
	}
	rc, err := f.Open()
	if err != nil {
		return nil
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil
	}
	return data
}

// OpenAsset reads assets/<name>.
func (a *APK) OpenAsset(name string) []byte {
	return a.FileData("assets/" + strings.TrimPrefix(name, "/"))
}

// Signatures returns the signing blocks under META-INF. They are not
// verified.
func (a *APK) Signatures() []dvm.Signature {
	var sigs []dvm.Signature
	for _, f := range a.zr.File {
		dir, file := path.Split(f.Name)
		if dir != "META-INF/" {
			continue
		}
		switch strings.ToUpper(path.Ext(file)) {
		case ".RSA", ".DSA", ".EC":
			if data := a.FileData(f.Name); data != nil {
				sigs = append(sigs, dvm.Signature{Name: f.Name, Data: data})
			}
		}
	}
	return sigs
}

// Split opens fileName in the same directory as this package. The
// result is cached and closed with the parent.
func (a *APK) Split(fileName string) dvm.Package {
	if a.path == "" {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.splits[fileName]; ok {
		return s
	}

	sibling := filepath.Join(filepath.Dir(a.path), fileName)
	if _, err := os.Stat(sibling); err != nil {
		return nil
	}
	s, err := Open(sibling)
	if err != nil {
		glog.Or(nil).Debug("split not readable", zap.String("split", sibling), zap.Error(err))
		return nil
	}
	a.splits[fileName] = s
	return s
}

// NativeLibraries lists lib/<abi>/*.so entries per ABI, sorted.
func (a *APK) NativeLibraries() map[string][]string {
	libs := make(map[string][]string)
	for name := range a.files {
		if !strings.HasPrefix(name, "lib/") || !strings.HasSuffix(name, ".so") {
			continue
		}
		parts := strings.Split(name, "/")
		if len(parts) != 3 {
			continue
		}
		libs[parts[1]] = append(libs[parts[1]], parts[2])
	}
	for _, l := range libs {
		sort.Strings(l)
	}
	return libs
}
