package engine

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"

	"github.com/fetch-vault/fetch-vault/internal/expiry"
	"github.com/fetch-vault/fetch-vault/internal/index"
	"github.com/fetch-vault/fetch-vault/internal/logging"
)

// Fetcher 是回源协作者：按 Key 拉取远端字节，失败原样返回。
// 本层不解读状态码、不重试，超时属于 Fetcher 自身的契约。
type Fetcher interface {
	FetchBytes(ctx context.Context, key string) ([]byte, error)
}

// FetcherFunc 将函数适配为 Fetcher，便于测试注入。
type FetcherFunc func(ctx context.Context, key string) ([]byte, error)

// FetchBytes 使 FetcherFunc 满足 Fetcher。
func (f FetcherFunc) FetchBytes(ctx context.Context, key string) ([]byte, error) {
	return f(ctx, key)
}

// Policy 描述单个 Engine 实例的缓存策略，构造后不可变。
type Policy struct {
	// MaxEntries 为容量上限，0 合法（每次写入后立即淘汰）。
	MaxEntries int
	Expiration expiry.Policy
}

// Options 控制 Engine 的协作者注入，除 Fetcher 外均有默认值。
type Options struct {
	// Fs 为存储协作者，缺省使用操作系统文件系统；测试注入内存文件系统。
	Fs afero.Fs

	// Fetcher 为回源协作者，必填。
	Fetcher Fetcher

	Logger *logrus.Logger

	// SingleFlight 开启后，同一 Key 的并发未命中共享一次回源。
	// 默认关闭，保留“并发未命中各自回源、后写覆盖”的基础语义。
	SingleFlight bool

	// Now 注入时钟，缺省 time.Now，测试用。
	Now func() time.Time
}

// Engine 是对外的缓存引擎：命中读盘、未命中回源写盘，索引全量持久化。
// 同一存储根目录在进程内只应由一个 Engine 实例持有。
type Engine struct {
	policy  Policy
	fs      afero.Fs
	root    string
	store   *index.Store
	fetcher Fetcher
	logger  *logrus.Logger
	now     func() time.Time
	flights *singleflight.Group

	mu      sync.Mutex
	entries map[string]index.Entry
}

// New 构造 Engine：建立缓存根目录、加载持久化索引并执行一次过期清理。
// 根目录无法建立时返回包装了 ErrDirectoryUnavailable 的错误。
func New(policy Policy, root string, opts Options) (*Engine, error) {
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if policy.MaxEntries < 0 {
		return nil, fmt.Errorf("max entries must be >= 0, got %d", policy.MaxEntries)
	}
	if root == "" {
		return nil, fmt.Errorf("%w: storage path required", ErrDirectoryUnavailable)
	}

	fsys := opts.Fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if err := fsys.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	e := &Engine{
		policy:  policy,
		fs:      fsys,
		root:    root,
		store:   index.NewStore(fsys, root),
		fetcher: opts.Fetcher,
		logger:  logger,
		now:     now,
	}
	if opts.SingleFlight {
		e.flights = &singleflight.Group{}
	}

	e.entries = e.store.Load()
	e.pruneExpired()
	return e, nil
}

// Fetch 返回 key 对应的缓存字节；命中且未过期时绝不回源。
// 过期或正文不可读的条目按未命中自愈处理，回源失败原样透传 RemoteError。
func (e *Engine) Fetch(ctx context.Context, key string) ([]byte, error) {
	started := e.now()

	e.mu.Lock()
	entry, ok := e.entries[key]
	if ok && e.policy.Expiration.Expired(entry.CreatedAt, e.now()) {
		e.dropLocked(key, entry, "expired")
		ok = false
	}
	e.mu.Unlock()

	if ok {
		data, err := e.store.ReadPayload(entry)
		if err == nil {
			e.logFetch(key, true, started, nil)
			return data, nil
		}

		// 索引声称存在但正文不可读：移除条目并按未命中继续。
		// 二次确认避免误删并发回源刚写入的新条目。
		e.mu.Lock()
		if current, still := e.entries[key]; still && current.StoragePath == entry.StoragePath {
			e.dropLocked(key, entry, "unreadable")
		}
		e.mu.Unlock()
	}

	data, err := e.fetchRemote(ctx, key)
	e.logFetch(key, false, started, err)
	return data, err
}

// Remove 删除单个缓存条目，key 不存在时为幂等空操作。
func (e *Engine) Remove(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.entries[key]
	if !ok {
		return
	}
	e.dropLocked(key, entry, "remove")
}

// RemoveAll 递归删除缓存根目录并重建空目录与空索引。
// 目录删除或重建失败时报错，且不改动内存索引，避免“假成功”。
func (e *Engine) RemoveAll() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.fs.RemoveAll(e.root); err != nil {
		return fmt.Errorf("clear cache root: %w", err)
	}
	if err := e.fs.MkdirAll(e.root, 0o755); err != nil {
		return fmt.Errorf("recreate cache root: %w", err)
	}

	e.entries = map[string]index.Entry{}
	e.persistLocked("remove_all")
	e.logger.WithFields(logging.CacheFields("remove_all", "")).Info("cache_cleared")
	return nil
}

// StorageLocation 返回条目正文的完整路径，仅查索引、不校验文件仍然存在。
func (e *Engine) StorageLocation(key string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.entries[key]
	if !ok {
		return "", false
	}
	return path.Join(e.root, entry.StoragePath), true
}

// Len 返回当前索引中的条目数量。
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}

// EntryInfo 描述一个缓存条目，供诊断端点展示。
type EntryInfo struct {
	Key         string    `json:"key"`
	CreatedAt   time.Time `json:"created_at"`
	StoragePath string    `json:"storage_path"`
}

// Entries 返回按 Key 排序的索引快照。
func (e *Engine) Entries() []EntryInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	infos := make([]EntryInfo, 0, len(e.entries))
	for key, entry := range e.entries {
		infos = append(infos, EntryInfo{
			Key:         key,
			CreatedAt:   entry.CreatedAt,
			StoragePath: entry.StoragePath,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos
}

func (e *Engine) fetchRemote(ctx context.Context, key string) ([]byte, error) {
	if e.flights == nil {
		return e.fetchAndStore(ctx, key)
	}
	value, err, _ := e.flights.Do(key, func() (interface{}, error) {
		return e.fetchAndStore(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return value.([]byte), nil
}

func (e *Engine) fetchAndStore(ctx context.Context, key string) ([]byte, error) {
	data, err := e.fetcher.FetchBytes(ctx, key)
	if err != nil {
		return nil, &RemoteError{Key: key, Err: err}
	}

	// 取消的请求不得留下被索引引用的半成品：先写正文、后更新索引，
	// 中途取消则索引保持不变。
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := payloadName(key)
	if err := e.store.WritePayload(name, data); err != nil {
		// 正文落盘失败只影响缓存，不影响本次结果。
		e.logger.WithFields(logging.CacheFields("payload_write", key)).
			WithError(err).Warn("payload_write_failed")
		return data, nil
	}

	e.mu.Lock()
	e.entries[key] = index.Entry{CreatedAt: e.now().UTC(), StoragePath: name}
	e.persistLocked("store")
	e.evictLocked()
	e.mu.Unlock()

	return data, nil
}

// pruneExpired 在构造阶段批量清理过期条目：收集所有待删 Key，
// 统一更新索引后仅持久化一次。
func (e *Engine) pruneExpired() {
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	var pruned []string
	for key, entry := range e.entries {
		if !e.policy.Expiration.Expired(entry.CreatedAt, now) {
			continue
		}
		if err := e.store.RemovePayload(entry); err != nil {
			e.logger.WithFields(logging.CacheFields("prune", key)).
				WithError(err).Warn("payload_delete_failed")
		}
		delete(e.entries, key)
		pruned = append(pruned, key)
	}

	if len(pruned) == 0 {
		return
	}
	e.persistLocked("prune")
	fields := logging.CacheFields("prune", "")
	fields["pruned"] = len(pruned)
	fields["entries"] = len(e.entries)
	e.logger.WithFields(fields).Info("expired_entries_pruned")
}

// evictLocked 在写入后检查容量：超限时淘汰 CreatedAt 最小的一条，
// 相同创建时间按 Key 升序决出，保证测试可复现。每次写入最多新增一条，
// 因此单次淘汰即可恢复 count <= MaxEntries。
func (e *Engine) evictLocked() {
	if len(e.entries) <= e.policy.MaxEntries {
		return
	}

	var oldestKey string
	var oldest index.Entry
	first := true
	for key, entry := range e.entries {
		if first ||
			entry.CreatedAt.Before(oldest.CreatedAt) ||
			(entry.CreatedAt.Equal(oldest.CreatedAt) && key < oldestKey) {
			oldestKey, oldest = key, entry
			first = false
		}
	}

	e.dropLocked(oldestKey, oldest, "evict")
}

// dropLocked 删除条目正文（尽力而为）、移出索引并立即持久化。
func (e *Engine) dropLocked(key string, entry index.Entry, action string) {
	if err := e.store.RemovePayload(entry); err != nil {
		e.logger.WithFields(logging.CacheFields(action, key)).
			WithError(err).Warn("payload_delete_failed")
	}
	delete(e.entries, key)
	e.persistLocked(action)
}

// persistLocked 全量落盘索引；持久化尽力而为，失败仅记日志，
// 进程生命周期内以内存索引为准。
func (e *Engine) persistLocked(action string) {
	if err := e.store.Save(e.entries); err != nil {
		e.logger.WithFields(logging.CacheFields(action, "")).
			WithError(err).Warn("index_persist_failed")
	}
}

func (e *Engine) logFetch(key string, hit bool, started time.Time, err error) {
	fields := logging.FetchFields(key, hit, e.now().Sub(started))
	if err != nil {
		fields["error"] = err.Error()
		e.logger.WithFields(fields).Warn("fetch_failed")
		return
	}
	e.logger.WithFields(fields).Debug("fetch_complete")
}

var payloadExtPattern = regexp.MustCompile(`^\.[A-Za-z0-9]{1,8}$`)

// payloadName 为每次写入分配全新的免冲突文件名，绝不复用旧位置；
// 可识别的扩展名予以保留，便于周边工具按后缀处理正文。
func payloadName(key string) string {
	name := uuid.NewString()
	if ext := payloadExt(key); ext != "" {
		name += ext
	}
	return name
}

func payloadExt(key string) string {
	raw := key
	if parsed, err := url.Parse(key); err == nil && parsed.Path != "" {
		raw = parsed.Path
	}
	ext := path.Ext(raw)
	if !payloadExtPattern.MatchString(ext) {
		return ""
	}
	return ext
}
