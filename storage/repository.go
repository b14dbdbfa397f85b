package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/ohler55/ojg"
	"github.com/ohler55/ojg/oj"

	"github.com/agentstation/gestalt"
	"github.com/agentstation/gestalt/pipeline"
)

// ErrNoClassification is returned when saving a result that never got
// classified.
var ErrNoClassification = errors.New("storage: result has no classification")

// SyncStatus explains why a stored module is not in the catalog.
type SyncStatus string

// Sync statuses.
const (
	StatusMissingMetadata     SyncStatus = "missing_metadata"
	StatusInvalidMetadataJSON SyncStatus = "invalid_metadata_json"
	StatusMissingID           SyncStatus = "missing_id"
	StatusNotInDatabase       SyncStatus = "not_in_database"
)

// legacyMetadataKey is also accepted as the metadata file of a module.
const legacyMetadataKey = "metadata.json"

const maxDirTitle = 48

// SyncIssue is one module directory that is not in sync with the catalog.
type SyncIssue struct {
	Dir    string     `json:"dir"`
	Status SyncStatus `json:"status"`
	ID     string     `json:"id,omitempty"`
	Detail string     `json:"detail,omitempty"`
}

// SyncReport is the outcome of Sync.
type SyncReport struct {
	Registered []Record    `json:"registered"`
	Skipped    []SyncIssue `json:"skipped"`
}

// Repository stores pipeline results and keeps the catalog in step with the
// module directories.
type Repository struct {
	files       *LocalStore
	catalog     *Catalog
	metadataKey string
	logger      gestalt.Logger
	now         func() time.Time
}

// RepositoryOption configures a Repository.
type RepositoryOption func(*Repository)

// WithMetadataKey sets the metadata file name. The default is info.json.
func WithMetadataKey(key string) RepositoryOption {
	return func(r *Repository) {
		if key != "" {
			r.metadataKey = key
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger gestalt.Logger) RepositoryOption {
	return func(r *Repository) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRepository combines a file store and a catalog.
func NewRepository(files *LocalStore, catalog *Catalog, opts ...RepositoryOption) *Repository {
	r := &Repository{
		files:       files,
		catalog:     catalog,
		metadataKey: "info.json",
		logger:      gestalt.NopLogger{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Save writes the artifacts of res to a new module directory and records
// it. The module ID is written into the metadata file.
func (r *Repository) Save(ctx context.Context, res *pipeline.Result) (Record, error) {
	if res == nil || res.Classification == nil {
		return Record{}, ErrNoClassification
	}
	id := uuid.NewString()
	c := res.Classification

	files := make(map[string]string, len(res.Artifacts))
	for name, content := range res.Artifacts {
		files[name] = content
	}
	if doc, ok := files[r.metadataKey]; ok {
		stamped, err := stampID(doc, id)
		if err != nil {
			return Record{}, fmt.Errorf("storage: metadata of %s: %w", id, err)
		}
		files[r.metadataKey] = stamped
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	slices.Sort(names)

	rec := Record{
		ID:            id,
		Title:         c.Title,
		Type:          c.Type,
		Topics:        slices.Clone(c.Topics),
		Adaptive:      c.IsAdaptive(),
		Files:         names,
		Dir:           dirName(c.Title, id),
		ResumptionKey: res.ResumptionKey,
		CreatedAt:     r.now().UTC(),
	}
	if err := r.files.Create(rec.Dir, files); err != nil {
		return Record{}, err
	}
	if err := r.catalog.Insert(ctx, rec); err != nil {
		_ = r.files.Remove(rec.Dir)
		return Record{}, err
	}
	r.logger.Info(ctx, "module stored", "id", id, "dir", rec.Dir, "files", len(names))
	return rec, nil
}

// Get returns the record of a module.
func (r *Repository) Get(ctx context.Context, id string) (Record, error) {
	return r.catalog.Get(ctx, id)
}

// List returns every catalogued module, newest first.
func (r *Repository) List(ctx context.Context) ([]Record, error) {
	return r.catalog.List(ctx)
}

// ReadFile returns one artifact of a module.
func (r *Repository) ReadFile(ctx context.Context, id, name string) ([]byte, error) {
	rec, err := r.catalog.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(rec.Files, name) {
		return nil, fmt.Errorf("%w: module %s has no file %q", ErrNotFound, id, name)
	}
	return r.files.ReadFile(rec.Dir, name)
}

// CheckSync lists the module directories that have no matching catalog
// record.
func (r *Repository) CheckSync(ctx context.Context) ([]SyncIssue, error) {
	dirs, err := r.files.Dirs()
	if err != nil {
		return nil, err
	}
	issues := []SyncIssue{}
	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		issue, _, _, err := r.inspect(ctx, dir)
		if err != nil {
			return nil, err
		}
		if issue != nil {
			issues = append(issues, *issue)
		}
	}
	return issues, nil
}

// Sync registers every module directory that has readable metadata but no
// catalog record. Directories without usable metadata are reported as
// skipped.
func (r *Repository) Sync(ctx context.Context) (SyncReport, error) {
	report := SyncReport{Registered: []Record{}, Skipped: []SyncIssue{}}
	dirs, err := r.files.Dirs()
	if err != nil {
		return report, err
	}
	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		issue, key, meta, err := r.inspect(ctx, dir)
		if err != nil {
			return report, err
		}
		if issue == nil {
			continue
		}
		if issue.Status == StatusMissingMetadata || issue.Status == StatusInvalidMetadataJSON {
			report.Skipped = append(report.Skipped, *issue)
			continue
		}
		rec, err := r.register(ctx, dir, key, meta, issue.ID)
		if err != nil {
			r.logger.Warn(ctx, "module sync failed", "dir", dir, "err", err)
			issue.Detail = err.Error()
			report.Skipped = append(report.Skipped, *issue)
			continue
		}
		report.Registered = append(report.Registered, rec)
	}
	r.logger.Info(ctx, "storage synced", "registered", len(report.Registered), "skipped", len(report.Skipped))
	return report, nil
}

// Prune deletes catalog records whose module directory no longer exists
// and returns their IDs.
func (r *Repository) Prune(ctx context.Context) ([]string, error) {
	records, err := r.catalog.List(ctx)
	if err != nil {
		return nil, err
	}
	pruned := []string{}
	for _, rec := range records {
		if r.files.Exists(rec.Dir) {
			continue
		}
		if err := r.catalog.Delete(ctx, rec.ID); err != nil {
			return pruned, err
		}
		r.logger.Info(ctx, "module record pruned", "id", rec.ID, "dir", rec.Dir)
		pruned = append(pruned, rec.ID)
	}
	return pruned, nil
}

// inspect classifies one directory. It returns a nil issue when the
// directory is catalogued, along with the metadata file name and its
// decoded content when available.
func (r *Repository) inspect(ctx context.Context, dir string) (*SyncIssue, string, map[string]any, error) {
	key := ""
	var raw []byte
	for _, candidate := range []string{r.metadataKey, legacyMetadataKey} {
		data, err := r.files.ReadFile(dir, candidate)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, "", nil, err
		}
		key, raw = candidate, data
		break
	}
	if key == "" {
		return &SyncIssue{Dir: dir, Status: StatusMissingMetadata}, "", nil, nil
	}

	parsed, err := oj.Parse(raw)
	if err != nil {
		return &SyncIssue{Dir: dir, Status: StatusInvalidMetadataJSON, Detail: err.Error()}, key, nil, nil
	}
	meta, ok := parsed.(map[string]any)
	if !ok {
		return &SyncIssue{Dir: dir, Status: StatusInvalidMetadataJSON, Detail: "metadata is not an object"}, key, nil, nil
	}

	id, _ := meta["id"].(string)
	if strings.TrimSpace(id) == "" {
		return &SyncIssue{Dir: dir, Status: StatusMissingID}, key, meta, nil
	}
	found, err := r.catalog.Has(ctx, id)
	if err != nil {
		return nil, "", nil, err
	}
	if !found {
		return &SyncIssue{Dir: dir, Status: StatusNotInDatabase, ID: id}, key, meta, nil
	}
	return nil, key, meta, nil
}

// register records a directory found on disk, assigning an ID when the
// metadata has none, and moves it to its canonical name.
func (r *Repository) register(ctx context.Context, dir, key string, meta map[string]any, id string) (Record, error) {
	if id == "" {
		id = uuid.NewString()
		meta["id"] = id
		if err := r.files.WriteFile(dir, key, []byte(oj.JSON(meta, &ojg.Options{Indent: 2, Sort: true}))); err != nil {
			return Record{}, err
		}
	}

	title, _ := meta["title"].(string)
	if title == "" {
		title = dir
	}
	typ, _ := meta["question_type"].(string)
	adaptive, _ := meta["isAdaptive"].(bool)
	var topics []string
	if list, ok := meta["topics"].([]any); ok {
		for _, t := range list {
			if s, ok := t.(string); ok {
				topics = append(topics, s)
			}
		}
	}

	target := dirName(title, id)
	if target != dir {
		if err := r.files.Rename(dir, target); err != nil {
			return Record{}, err
		}
	}
	files, err := r.files.Files(target)
	if err != nil {
		return Record{}, err
	}
	rec := Record{
		ID:        id,
		Title:     title,
		Type:      typ,
		Topics:    topics,
		Adaptive:  adaptive,
		Files:     files,
		Dir:       target,
		CreatedAt: r.now().UTC(),
	}
	if err := r.catalog.Insert(ctx, rec); err != nil {
		return Record{}, err
	}
	r.logger.Info(ctx, "module registered", "id", id, "dir", target, "from", dir)
	return rec, nil
}

func stampID(doc, id string) (string, error) {
	parsed, err := oj.ParseString(doc)
	if err != nil {
		return "", err
	}
	meta, ok := parsed.(map[string]any)
	if !ok {
		return "", errors.New("metadata is not an object")
	}
	meta["id"] = id
	return oj.JSON(meta, &ojg.Options{Indent: 2, Sort: true}), nil
}

// dirName is the module directory: a filesystem-safe title plus the first
// eight characters of the ID.
func dirName(title, id string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	name := strings.TrimRight(b.String(), "_")
	if runes := []rune(name); len(runes) > maxDirTitle {
		name = strings.TrimRight(string(runes[:maxDirTitle]), "_")
	}
	if name == "" {
		name = "module"
	}
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return name + "_" + short
}
