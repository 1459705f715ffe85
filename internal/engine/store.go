package engine

import (
	"errors"
	"sort"
	"sync"

	"github.com/utrading/utrading-exit-engine/internal/models"
	"github.com/utrading/utrading-exit-engine/internal/monitor"
	"github.com/utrading/utrading-exit-engine/pkg/logger"
)

var (
	ErrAlreadyExists = errors.New("monitor already exists")
	ErrNotFound      = errors.New("monitor not found")
)

// MonitorRepo 监控记录的持久化接口，dao.MonitorDAO 实现
type MonitorRepo interface {
	Save(m *models.ExitMonitor) error
	Delete(symbol string) error
	LoadAll() ([]*models.ExitMonitor, error)
}

// entry 单个 symbol 的槽位，mu 串行化该 symbol 的读改写和落库
type entry struct {
	mu      sync.Mutex
	m       *models.ExitMonitor
	removed bool // Remove 置位后并发 Update 不再落库
}

// Store 内存为权威状态，每次变更后镜像到持久层
// 按 symbol 加锁，互不相关的 symbol 不互相阻塞
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	repo    MonitorRepo
}

// NewStore 创建监控存储
func NewStore(repo MonitorRepo) *Store {
	return &Store{
		entries: make(map[string]*entry),
		repo:    repo,
	}
}

// Load 恢复持久化的监控记录，进程启动时调用一次
func (s *Store) Load() error {
	if s.repo == nil {
		return nil
	}

	monitors, err := s.repo.LoadAll()
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, m := range monitors {
		s.entries[m.Symbol] = &entry{m: m}
	}
	count := len(s.entries)
	s.mu.Unlock()

	monitor.GetMetrics().SetMonitorsActive(count)
	return nil
}

// Create 新增监控，同 symbol 已存在时返回 ErrAlreadyExists
// 持久化失败会使创建失败，不留下半成品状态
func (s *Store) Create(m *models.ExitMonitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[m.Symbol]; ok {
		return ErrAlreadyExists
	}

	clone := m.Clone()
	if s.repo != nil {
		if err := s.repo.Save(clone); err != nil {
			return err
		}
	}
	s.entries[m.Symbol] = &entry{m: clone}

	monitor.GetMetrics().SetMonitorsActive(len(s.entries))
	return nil
}

// Get 返回监控的深拷贝
func (s *Store) Get(symbol string) (*models.ExitMonitor, bool) {
	e, ok := s.lookup(symbol)
	if !ok {
		return nil, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.m.Clone(), true
}

// List 返回全部监控的深拷贝，按 symbol 排序
func (s *Store) List() []*models.ExitMonitor {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]*models.ExitMonitor, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.m.Clone())
		e.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Update 对单个监控执行原子读改写，再镜像到持久层
// 持久化失败只记日志和指标，不回滚内存（内存是权威状态）
func (s *Store) Update(symbol string, mutate func(m *models.ExitMonitor)) (*models.ExitMonitor, error) {
	e, ok := s.lookup(symbol)
	if !ok {
		return nil, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return nil, ErrNotFound
	}

	mutate(e.m)
	s.persist(e.m)
	return e.m.Clone(), nil
}

// Remove 删除监控，幂等；返回删除前是否存在
// 持有槽位锁删行，保证在途 Update 的落库不会复活已删除的记录
func (s *Store) Remove(symbol string) bool {
	s.mu.Lock()
	e, ok := s.entries[symbol]
	delete(s.entries, symbol)
	count := len(s.entries)
	s.mu.Unlock()

	if !ok {
		return false
	}

	e.mu.Lock()
	e.removed = true
	if s.repo != nil {
		if err := s.repo.Delete(symbol); err != nil {
			logger.Error().Err(err).Str("symbol", symbol).Msg("delete monitor record failed")
			monitor.GetMetrics().IncPersistError()
		}
	}
	e.mu.Unlock()

	monitor.GetMetrics().SetMonitorsActive(count)
	return true
}

// Count 当前活跃监控数
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Symbols 当前活跃的 symbol 列表
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.entries))
	for symbol := range s.entries {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

func (s *Store) lookup(symbol string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[symbol]
	return e, ok
}

func (s *Store) persist(m *models.ExitMonitor) {
	if s.repo == nil {
		return
	}
	if err := s.repo.Save(m); err != nil {
		logger.Error().Err(err).Str("symbol", m.Symbol).Msg("persist monitor failed")
		monitor.GetMetrics().IncPersistError()
	}
}
