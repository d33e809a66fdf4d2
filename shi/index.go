package shi

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ledgerwatch/shi/shilog"
	"github.com/ledgerwatch/shi/storelog"
)

var log = shilog.New("shi")

// SubsetHashIndex is the top-level manager: it owns the set of Groups,
// routes mutations to each, creates sessions, and orchestrates
// checkpoint/recover/flush.
type SubsetHashIndex struct {
	regMu sync.Mutex // guards Register and Recover

	provider Provider
	baseDir  string

	groups         []*Group
	groupByName    map[string]GroupId
	predicateNames map[string]PredicateHandle

	liveness    *LivenessFilter
	beforeCache *BeforeKeyCache
}

// Option configures a SubsetHashIndex at construction.
type Option func(*SubsetHashIndex)

// WithBeforeKeyCache enables the optional IPU (in-place-update) cache.
func WithBeforeKeyCache(maxBytes int) Option {
	return func(x *SubsetHashIndex) { x.beforeCache = NewBeforeKeyCache(maxBytes) }
}

// New creates an empty index over provider, persisting Group checkpoints
// under baseDir.
func New(provider Provider, baseDir string, opts ...Option) *SubsetHashIndex {
	x := &SubsetHashIndex{
		provider:       provider,
		baseDir:        baseDir,
		groupByName:    make(map[string]GroupId),
		predicateNames: make(map[string]PredicateHandle),
		liveness:       NewLivenessFilter(provider),
		beforeCache:    NewBeforeKeyCache(0),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Register creates a new Group and binds a set of Predicates to it.
func (x *SubsetHashIndex) Register(spec GroupSpec, predicates []PredicateSpec) ([]PredicateHandle, error) {
	x.regMu.Lock()
	defer x.regMu.Unlock()

	if len(predicates) == 0 {
		return nil, newErr(KindRegistration, nil, "group %q must register at least one predicate", spec.Name)
	}
	if len(predicates) > MaxPredicatesPerGroup {
		return nil, newErr(KindRegistration, nil, "group %q: %d predicates exceeds the maximum of %d", spec.Name, len(predicates), MaxPredicatesPerGroup)
	}
	if spec.KeySize <= 0 || spec.KeySize > MaxSKeySize {
		return nil, newErr(KindRegistration, nil, "group %q: key size %d must be in (0, %d]", spec.Name, spec.KeySize, MaxSKeySize)
	}
	if err := validateLogSettings(spec.Store); err != nil {
		return nil, err
	}
	if _, exists := x.groupByName[spec.Name]; exists {
		return nil, newErr(KindRegistration, nil, "group %q already registered", spec.Name)
	}
	seen := make(map[string]bool, len(predicates))
	for _, p := range predicates {
		if _, dup := x.predicateNames[p.Name]; dup {
			return nil, newErr(KindRegistration, nil, "predicate name %q already registered", p.Name)
		}
		if seen[p.Name] {
			return nil, newErr(KindRegistration, nil, "predicate name %q duplicated in this registration call", p.Name)
		}
		seen[p.Name] = true
	}

	groupDir := filepath.Join(x.baseDir, "groups", spec.Name)
	storeSettings := spec.Store
	if storeSettings.CheckpointDir == "" {
		storeSettings.CheckpointDir = filepath.Join(groupDir, "checkpoint")
	}
	store, err := storelog.Open(groupDir, storeSettings)
	if err != nil {
		return nil, newErr(KindStorage, err, "opening store for group %q", spec.Name)
	}

	id := GroupId(len(x.groups))
	g := newGroup(id, spec, store)
	x.groups = append(x.groups, g)
	x.groupByName[spec.Name] = id

	handles := make([]PredicateHandle, 0, len(predicates))
	for _, p := range predicates {
		pred, err := g.addPredicate(p.Name, p.Fn)
		if err != nil {
			return nil, err
		}
		h := PredicateHandle{index: x, p: pred}
		x.predicateNames[p.Name] = h
		handles = append(handles, h)
	}
	log.Info("registered group", "name", spec.Name, "predicates", len(predicates), "keySize", spec.KeySize)
	return handles, nil
}

func validateLogSettings(s storelog.Settings) error {
	if s.HashTableSize == 0 {
		return newErr(KindRegistration, nil, "unsupported log settings: hashTableSize must be set")
	}
	return nil
}

// NewChangeTracker allocates a fresh per-mutation tracker.
func (x *SubsetHashIndex) NewChangeTracker(op Operation) *ChangeTracker {
	return newChangeTracker(op)
}

// ensureBeforeKeys evaluates any Group's before-slots not already computed
// eagerly by SetBeforeData(executeNow=true). When the IPU cache is enabled
// it first tries to reuse a before-slots blob computed earlier against the
// same BeforeRecordId, skipping Predicate evaluation entirely; a cache miss
// or a RecordId mismatch falls back to evaluating the Predicates live and
// repopulates the cache for next time.
func (x *SubsetHashIndex) ensureBeforeKeys(tracker *ChangeTracker) error {
	cacheEnabled := x.beforeCache.enabled()
	var primaryKey PrimaryKey
	var primaryKeyLookedUp, primaryKeyOK bool

	for _, g := range x.groups {
		gs := tracker.slotsFor(g.id, g.numPredicates())
		tracker.mu.Lock()
		done := gs.beforeDone
		tracker.mu.Unlock()
		if done {
			continue
		}

		if cacheEnabled {
			if !primaryKeyLookedUp {
				pk, ok, err := x.provider.PrimaryKeyOf(context.Background(), tracker.BeforeRecordId)
				if err != nil {
					return newErr(KindStorage, err, "resolving primary key for IPU cache lookup")
				}
				primaryKey, primaryKeyOK, primaryKeyLookedUp = pk, ok, true
			}
			if primaryKeyOK {
				if cached, hit := x.beforeCache.Get(g.id, primaryKey); hit && g.applyCachedBefore(tracker, cached) {
					continue
				}
			}
		}

		if err := g.EvalBefore(tracker); err != nil {
			return err
		}
		if cacheEnabled && primaryKeyOK {
			x.beforeCache.Set(g.id, primaryKey, g.encodeBeforeCacheEntry(tracker))
		}
	}
	return nil
}

// OnInsert is the insert mutation hook: invoked after the Provider commits
// the new record.
func (x *SubsetHashIndex) OnInsert(id RecordId, data ProviderData) error {
	sess := newIndexSession(x)
	exit, err := sess.Enter()
	if err != nil {
		return err
	}
	defer exit()

	for _, g := range x.groups {
		if err := g.Insert(id, data); err != nil {
			return err
		}
	}
	return nil
}

// OnUpdate implements the update mutation hook. tracker must already carry
// AfterData/AfterRecordId (via SetAfterData); before-keys are evaluated
// here if they were deferred.
func (x *SubsetHashIndex) OnUpdate(tracker *ChangeTracker) error {
	sess := newIndexSession(x)
	exit, err := sess.Enter()
	if err != nil {
		return err
	}
	defer exit()

	if err := x.ensureBeforeKeys(tracker); err != nil {
		return err
	}
	for _, g := range x.groups {
		if err := g.Update(tracker); err != nil {
			return err
		}
	}
	return nil
}

// OnDelete implements the delete mutation hook: called with the
// soon-to-be-removed data.
func (x *SubsetHashIndex) OnDelete(id RecordId, data ProviderData) error {
	tracker := x.NewChangeTracker(OpDelete)
	if err := tracker.SetBeforeData(data, id, true, x.ensureBeforeKeys); err != nil {
		return err
	}

	sess := newIndexSession(x)
	exit, err := sess.Enter()
	if err != nil {
		return err
	}
	defer exit()

	for _, g := range x.groups {
		if err := g.Delete(tracker); err != nil {
			return err
		}
	}
	return nil
}

// Query opens a lazily-merged, boolean-combined iterator over one or more
// (Predicate, key-set) operand groups.
func (x *SubsetHashIndex) Query(operands [][]QueryOperand, match MatchFunc, settings QuerySettings) (*QueryIterator, error) {
	if settings.Cancellation == nil {
		settings.Cancellation = context.Background()
	}
	groups := make([][]*operandWalk, len(operands))
	for i, group := range operands {
		groups[i] = make([]*operandWalk, len(group))
		for j, op := range group {
			if !op.Handle.validFor(x) {
				return nil, newErr(KindOperationArgument, nil, "predicate handle %v is foreign to this index", op.Handle)
			}
			g := x.groups[op.Handle.p.group]
			walkers := make([]*ChainWalker, len(op.Keys))
			for k, key := range op.Keys {
				w, err := g.OpenChainWalk(op.Handle.p.ordinal, key)
				if err != nil {
					return nil, err
				}
				walkers[k] = w
			}
			ow, err := newOperandWalk(walkers)
			if err != nil {
				return nil, err
			}
			groups[i][j] = ow
		}
	}
	return newQueryIterator(groups, match, x.liveness, settings), nil
}

// Query1 is the single-predicate convenience form.
func (x *SubsetHashIndex) Query1(handle PredicateHandle, key []byte, settings QuerySettings) (*QueryIterator, error) {
	return x.Query([][]QueryOperand{{{Handle: handle, Keys: [][]byte{key}}}}, func(m [][]bool) bool { return m[0][0] }, settings)
}

// Query2 combines two (handle, key) pairs with an arity-2 combinator such
// as And2 or Or2.
func (x *SubsetHashIndex) Query2(h1 PredicateHandle, k1 []byte, h2 PredicateHandle, k2 []byte, match MatchFunc, settings QuerySettings) (*QueryIterator, error) {
	return x.Query([][]QueryOperand{
		{{Handle: h1, Keys: [][]byte{k1}}},
		{{Handle: h2, Keys: [][]byte{k2}}},
	}, match, settings)
}

// Query3 combines three (handle, key) pairs.
func (x *SubsetHashIndex) Query3(h1 PredicateHandle, k1 []byte, h2 PredicateHandle, k2 []byte, h3 PredicateHandle, k3 []byte, match MatchFunc, settings QuerySettings) (*QueryIterator, error) {
	return x.Query([][]QueryOperand{
		{{Handle: h1, Keys: [][]byte{k1}}},
		{{Handle: h2, Keys: [][]byte{k2}}},
		{{Handle: h3, Keys: [][]byte{k3}}},
	}, match, settings)
}

// Manifest records the stable name-to-ordinal assignment Recover must
// honor, plus where each Group's checkpoint lives.
type Manifest struct {
	Groups []GroupManifest `json:"groups"`
}

// GroupManifest is one Group's slice of the manifest.
type GroupManifest struct {
	Name           string   `json:"name"`
	KeySize        int      `json:"keySize"`
	PredicateNames []string `json:"predicateNames"` // ordinal-indexed
	CheckpointDir  string   `json:"checkpointDir"`
}

// Checkpoint persists every Group's secondary store, then writes the
// manifest last, only once every Group has succeeded. Each Group's
// checkpoint is written in place under the fixed directory
// <baseDir>/groups/<name>/checkpoint, so after a failure the Groups that
// had already finished hold their new checkpoint while the others hold
// their previous one: the checkpoint is not atomic across Groups.
func (x *SubsetHashIndex) Checkpoint(ctx context.Context) (Manifest, error) {
	x.regMu.Lock()
	groups := append([]*Group(nil), x.groups...)
	x.regMu.Unlock()

	manifests := make([]GroupManifest, len(groups))
	g, _ := errgroup.WithContext(ctx)
	for i, grp := range groups {
		i, grp := i, grp
		g.Go(func() error {
			ckptDir := filepath.Join(x.baseDir, "groups", grp.name, "checkpoint")
			if _, err := grp.store.Checkpoint(ckptDir); err != nil {
				return newErr(KindStorage, err, "checkpointing group %q", grp.name)
			}
			grp.mu.RLock()
			names := make([]string, len(grp.predicates))
			for j, p := range grp.predicates {
				names[j] = p.name
			}
			grp.mu.RUnlock()
			manifests[i] = GroupManifest{Name: grp.name, KeySize: grp.layout.KeySize, PredicateNames: names, CheckpointDir: ckptDir}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Manifest{}, err
	}

	manifest := Manifest{Groups: manifests}
	if err := x.writeManifest(manifest); err != nil {
		return Manifest{}, err
	}
	return manifest, nil
}

func (x *SubsetHashIndex) writeManifest(m Manifest) error {
	buf, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return newErr(KindInternalInvariant, err, "marshaling manifest")
	}
	if err := os.MkdirAll(x.baseDir, 0o755); err != nil {
		return newErr(KindStorage, err, "creating base dir")
	}
	return os.WriteFile(filepath.Join(x.baseDir, "manifest.json"), buf, 0o644)
}

// LoadManifest reads a previously written manifest from baseDir.
func LoadManifest(baseDir string) (Manifest, error) {
	buf, err := os.ReadFile(filepath.Join(baseDir, "manifest.json"))
	if err != nil {
		return Manifest{}, newErr(KindStorage, err, "reading manifest")
	}
	var m Manifest
	if err := json.Unmarshal(buf, &m); err != nil {
		return Manifest{}, newErr(KindInternalInvariant, err, "parsing manifest")
	}
	return m, nil
}

// Recover reattaches Groups from a manifest. The caller must re-register
// every Predicate by name before any mutation; re-registering a different
// function for a known name is allowed, but assigning a known name to a
// different ordinal than the manifest records is rejected, since chain
// entries on disk already encode the old ordinal.
func (x *SubsetHashIndex) Recover(ctx context.Context, m Manifest, predicates []PredicateSpec) error {
	x.regMu.Lock()
	defer x.regMu.Unlock()

	bySpecName := make(map[string]PredicateSpec, len(predicates))
	for _, p := range predicates {
		bySpecName[p.Name] = p
	}

	for _, gm := range m.Groups {
		groupDir := filepath.Join(x.baseDir, "groups", gm.Name)
		settings := storelog.DefaultSettings(groupDir)
		settings.HashTableSize = 1 // Store.Recover below replaces the bucket array wholesale.
		store, err := storelog.Open(groupDir, settings)
		if err != nil {
			return newErr(KindStorage, err, "reopening store for group %q", gm.Name)
		}
		if err := store.Recover(gm.CheckpointDir); err != nil {
			return newErr(KindStorage, err, "recovering store for group %q", gm.Name)
		}

		spec := GroupSpec{Name: gm.Name, KeySize: gm.KeySize}
		id := GroupId(len(x.groups))
		g := newGroup(id, spec, store)
		x.groups = append(x.groups, g)
		x.groupByName[gm.Name] = id

		for ordinal, name := range gm.PredicateNames {
			if existing, ok := x.predicateNames[name]; ok && existing.p.group != id {
				return newErr(KindInternalInvariant, nil, "predicate %q is bound to a different group than the manifest records", name)
			}
			spec, ok := bySpecName[name]
			if !ok {
				return newErr(KindRegistration, nil, "manifest requires predicate %q to be re-registered before any mutation", name)
			}
			pred, err := g.addPredicate(spec.Name, spec.Fn)
			if err != nil {
				return err
			}
			if pred.ordinal != ordinal {
				return newErr(KindInternalInvariant, nil, "predicate %q recovered at ordinal %d, manifest expects %d", name, pred.ordinal, ordinal)
			}
			x.predicateNames[name] = PredicateHandle{index: x, p: pred}
		}
	}
	return nil
}
