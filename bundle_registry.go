package osgi

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/GoCodeAlone/osgi/loader"
	"github.com/GoCodeAlone/osgi/manifest"
)

type pendingInstall struct {
	done   chan struct{}
	bundle *Bundle
	err    error
}

// bundleRegistry holds installed bundles indexed by id, location and
// symbolic name.
type bundleRegistry struct {
	core *coreContext

	mu             sync.RWMutex
	byID           map[int64]*Bundle
	byLocation     map[string]*Bundle
	bySymbolicName map[string][]*Bundle
	installing     map[string]*pendingInstall
}

func newBundleRegistry(core *coreContext) *bundleRegistry {
	r := &bundleRegistry{core: core}
	r.reset()
	return r
}

func (r *bundleRegistry) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID = make(map[int64]*Bundle)
	r.byLocation = make(map[string]*Bundle)
	r.bySymbolicName = make(map[string][]*Bundle)
	r.installing = make(map[string]*pendingInstall)
}

func (r *bundleRegistry) insertLocked(b *Bundle) {
	r.byID[b.id] = b
	r.byLocation[b.location] = b
	name := b.headers.SymbolicName()
	r.bySymbolicName[name] = append(r.bySymbolicName[name], b)
}

func (r *bundleRegistry) addSystem(b *Bundle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insertLocked(b)
}

// install returns the bundle at location, installing it when absent.
// Concurrent installs of one location share a single attempt.
func (r *bundleRegistry) install(location string, mf manifest.Manifest, origin *Bundle) (*Bundle, error) {
	r.mu.Lock()
	if b, ok := r.byLocation[location]; ok {
		r.mu.Unlock()
		return b, nil
	}
	if p, ok := r.installing[location]; ok {
		r.mu.Unlock()
		<-p.done
		return p.bundle, p.err
	}
	p := &pendingInstall{done: make(chan struct{})}
	r.installing[location] = p
	r.mu.Unlock()

	b, err := r.install0(location, mf)

	r.mu.Lock()
	delete(r.installing, location)
	r.mu.Unlock()
	p.bundle, p.err = b, err
	close(p.done)

	if err != nil {
		r.core.logger.Error("Bundle install failed", "location", location, "error", err)
		return nil, err
	}
	r.core.logger.Info("Bundle installed", "bundle", b.SymbolicName(), "id", b.id, "location", location)
	r.core.listeners.bundleChanged(BundleEvent{Type: BundleInstalled, Bundle: b, Origin: origin})
	return b, nil
}

func (r *bundleRegistry) install0(location string, mf manifest.Manifest) (*Bundle, error) {
	lib, headers, err := r.load(location, mf)
	if err != nil {
		return nil, &BundleError{BundleID: -1, Location: location, Op: "install", Kind: ErrInstall, Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if conflict := r.conflictLocked(nil, headers); conflict != nil {
		_ = lib.Close()
		return nil, &BundleError{BundleID: -1, Location: location, Op: "install", Kind: ErrInstall,
			Err: fmt.Errorf("%s %s is already installed as bundle %d from %s",
				headers.SymbolicName(), headers.Version(), conflict.id, conflict.Location())}
	}
	b := newBundle(r.core, location, lib, headers)
	b.id = r.core.nextBundleID.Add(1)
	r.insertLocked(b)
	return b, nil
}

// conflictLocked finds another bundle with the same symbolic name and
// version.
func (r *bundleRegistry) conflictLocked(self *Bundle, headers manifest.Manifest) *Bundle {
	for _, other := range r.bySymbolicName[headers.SymbolicName()] {
		if other != self && other.Version() == headers.Version() {
			return other
		}
	}
	return nil
}

// load opens the library at location and determines its manifest.
func (r *bundleRegistry) load(location string, mf manifest.Manifest) (loader.Library, manifest.Manifest, error) {
	lib, err := r.core.loader.Load(location)
	if err != nil {
		return nil, nil, err
	}
	headers, err := resolveManifest(lib, location, mf)
	if err == nil {
		err = headers.Validate()
	}
	if err != nil {
		_ = lib.Close()
		return nil, nil, err
	}
	return lib, headers, nil
}

func resolveManifest(lib loader.Library, location string, mf manifest.Manifest) (manifest.Manifest, error) {
	if mf != nil {
		return manifest.FromMap(mf), nil
	}
	sym, err := lib.Lookup(loader.ManifestSymbol)
	if err == nil {
		switch m := sym.(type) {
		case map[string]any:
			return manifest.FromMap(m), nil
		case *map[string]any:
			return manifest.FromMap(*m), nil
		case manifest.Manifest:
			return manifest.FromMap(m), nil
		case *manifest.Manifest:
			return manifest.FromMap(*m), nil
		default:
			return nil, fmt.Errorf("%w: %s has unexpected type %T", ErrNoManifest, loader.ManifestSymbol, sym)
		}
	}
	if !errors.Is(err, loader.ErrSymbolNotFound) {
		return nil, err
	}
	path, serr := manifest.FindSidecar(location)
	if serr != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoManifest, serr)
	}
	return manifest.Load(path)
}

// relocate re-indexes b under a new location and manifest after an
// update.
func (r *bundleRegistry) relocate(b *Bundle, oldLocation, newLocation string, headers manifest.Manifest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if other, ok := r.byLocation[newLocation]; ok && other != b {
		return fmt.Errorf("location %s is used by bundle %d", newLocation, other.id)
	}
	if conflict := r.conflictLocked(b, headers); conflict != nil {
		return fmt.Errorf("%s %s is already installed as bundle %d", headers.SymbolicName(), headers.Version(), conflict.id)
	}
	delete(r.byLocation, oldLocation)
	r.byLocation[newLocation] = b
	oldName := b.SymbolicName()
	r.bySymbolicName[oldName] = slices.DeleteFunc(r.bySymbolicName[oldName], func(x *Bundle) bool { return x == b })
	if len(r.bySymbolicName[oldName]) == 0 {
		delete(r.bySymbolicName, oldName)
	}
	newName := headers.SymbolicName()
	r.bySymbolicName[newName] = append(r.bySymbolicName[newName], b)
	return nil
}

func (r *bundleRegistry) remove(b *Bundle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byID[b.id] != b {
		return
	}
	delete(r.byID, b.id)
	delete(r.byLocation, b.Location())
	name := b.SymbolicName()
	list := slices.DeleteFunc(r.bySymbolicName[name], func(x *Bundle) bool { return x == b })
	if len(list) == 0 {
		delete(r.bySymbolicName, name)
	} else {
		r.bySymbolicName[name] = list
	}
}

func (r *bundleRegistry) get(id int64) *Bundle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

func (r *bundleRegistry) byLocationOf(location string) *Bundle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byLocation[location]
}

func (r *bundleRegistry) withSymbolicName(name string) []*Bundle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.bySymbolicName[name])
}

// list returns all bundles ordered by id.
func (r *bundleRegistry) list() []*Bundle {
	r.mu.RLock()
	out := make([]*Bundle, 0, len(r.byID))
	for _, b := range r.byID {
		out = append(out, b)
	}
	r.mu.RUnlock()
	sortBundles(out)
	return out
}

// active returns non-system bundles that are starting or active, by id.
func (r *bundleRegistry) active() []*Bundle {
	var out []*Bundle
	for _, b := range r.list() {
		if !b.system && b.State().In(StateStarting|StateActive) {
			out = append(out, b)
		}
	}
	return out
}
