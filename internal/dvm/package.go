package dvm

import "github.com/zboralski/dalvik/internal/trace"

// Signature is one signing block of the package, unverified.
type Signature struct {
	Name string // archive entry, e.g. META-INF/CERT.RSA
	Data []byte
}

// Package is the application archive the VM was started with.
// Accessors return zero values for missing data rather than errors.
type Package interface {
	PackageName() string
	Manifest() []byte
	ManifestXML() string
	VersionName() string
	VersionCode() int64
	Signatures() []Signature
	OpenAsset(name string) []byte
	FileData(path string) []byte

	// Split returns the companion package named fileName stored next to
	// this one, or nil if there is none or it cannot be read.
	Split(fileName string) Package
}

// AssetResolver overrides package assets. A nil result falls through to
// the package.
type AssetResolver interface {
	ResolveAsset(name string) []byte
}

// AssetResolverFunc adapts a function to AssetResolver.
type AssetResolverFunc func(name string) []byte

func (f AssetResolverFunc) ResolveAsset(name string) []byte { return f(name) }

// Package returns the configured package or nil.
func (vm *VM) Package() Package { return vm.pkg }

// OpenAsset reads an asset, asking the override resolver first. With
// neither an answer nor a package the result is nil.
func (vm *VM) OpenAsset(name string) []byte {
	vm.mu.Lock()
	resolver := vm.assetResolver
	vm.mu.Unlock()

	if resolver != nil {
		if data := resolver.ResolveAsset(name); data != nil {
			vm.emit(trace.Asset, "OpenAsset", name+" (override)")
			return data
		}
	}
	if vm.pkg == nil {
		return nil
	}
	data := vm.pkg.OpenAsset(name)
	if data != nil {
		vm.emit(trace.Asset, "OpenAsset", name)
	}
	return data
}

// Unzip reads an arbitrary package entry.
func (vm *VM) Unzip(path string) []byte {
	if vm.pkg == nil {
		return nil
	}
	return vm.pkg.FileData(path)
}

// PackageName returns the package name, or "" without a package.
func (vm *VM) PackageName() string {
	if vm.pkg == nil {
		return ""
	}
	return vm.pkg.PackageName()
}

// Manifest returns the raw AndroidManifest.xml bytes.
func (vm *VM) Manifest() []byte {
	if vm.pkg == nil {
		return nil
	}
	return vm.pkg.Manifest()
}

// ManifestXML returns the manifest rendered as text.
func (vm *VM) ManifestXML() string {
	if vm.pkg == nil {
		return ""
	}
	return vm.pkg.ManifestXML()
}

// VersionName returns android:versionName.
func (vm *VM) VersionName() string {
	if vm.pkg == nil {
		return ""
	}
	return vm.pkg.VersionName()
}

// VersionCode returns android:versionCode, 0 without a package.
func (vm *VM) VersionCode() int64 {
	if vm.pkg == nil {
		return 0
	}
	return vm.pkg.VersionCode()
}

// Signatures returns the package signing blocks.
func (vm *VM) Signatures() []Signature {
	if vm.pkg == nil {
		return nil
	}
	return vm.pkg.Signatures()
}
