// filename: internal/automation/history/sink.go
package history

import (
	"context"
	"sync"
	"time"

	"github.com/autoops/autoops/internal/common/ch"
	"github.com/autoops/autoops/internal/common/logging"
	"github.com/autoops/autoops/internal/models"
)

// Writer принимает пакеты строк истории; реализуется ch.Client
type Writer interface {
	InsertExecutions(ctx context.Context, rows []ch.ExecutionRow) error
}

// Config конфигурация выгрузки истории // v1.0
type Config struct {
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	QueueSize    int           `yaml:"queue_size"`
}

// Sink копит завершенные выполнения и пишет их в ClickHouse пакетами // v1.0
type Sink struct {
	config Config
	writer Writer
	logger *logging.Logger

	queue  chan ch.ExecutionRow
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	written uint64
	dropped uint64
	failed  uint64
}

// NewSink создает выгрузку истории // v1.0
func NewSink(config Config, writer Writer, logger *logging.Logger) *Sink {
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = 5 * time.Second
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 10 * config.BatchSize
	}
	return &Sink{
		config: config,
		writer: writer,
		logger: logger,
		queue:  make(chan ch.ExecutionRow, config.QueueSize),
		stopCh: make(chan struct{}),
	}
}

// Record ставит выполнение в очередь; сигнатура совпадает с хуком трекера // v1.0
func (s *Sink) Record(exec *models.Execution, from models.ExecutionStatus) {
	if from.IsTerminal() && exec.Status != models.ExecutionRolledBack {
		return
	}
	select {
	case s.queue <- RowFromExecution(exec):
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		s.logger.WithExecution(exec.ID, exec.RuleID).Warn("History queue is full, execution dropped")
	}
}

// Start запускает цикл выгрузки // v1.0
func (s *Sink) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop сбрасывает остаток очереди и останавливает цикл // v1.0
func (s *Sink) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Sink) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.BatchTimeout)
	defer ticker.Stop()

	batch := make([]ch.ExecutionRow, 0, s.config.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case row := <-s.queue:
			batch = append(batch, row)
			if len(batch) >= s.config.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			s.drain(&batch)
			flush()
			return
		case <-s.stopCh:
			s.drain(&batch)
			flush()
			return
		}
	}
}

func (s *Sink) drain(batch *[]ch.ExecutionRow) {
	for {
		select {
		case row := <-s.queue:
			*batch = append(*batch, row)
		default:
			return
		}
	}
}

func (s *Sink) flush(rows []ch.ExecutionRow) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out := append([]ch.ExecutionRow(nil), rows...)
	if err := s.writer.InsertExecutions(ctx, out); err != nil {
		s.mu.Lock()
		s.failed += uint64(len(out))
		s.mu.Unlock()
		s.logger.WithError(err).WithField("rows", len(out)).Error("Failed to write execution history")
		return
	}

	s.mu.Lock()
	s.written += uint64(len(out))
	s.mu.Unlock()
	s.logger.WithField("rows", len(out)).Debug("Execution history written")
}

// GetStats возвращает статистику выгрузки // v1.0
func (s *Sink) GetStats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{
		"batch_size":    s.config.BatchSize,
		"batch_timeout": s.config.BatchTimeout.String(),
		"queued":        len(s.queue),
		"written":       s.written,
		"dropped":       s.dropped,
		"failed":        s.failed,
	}
}

// RowFromExecution переводит выполнение в строку таблицы истории // v1.0
func RowFromExecution(exec *models.Execution) ch.ExecutionRow {
	row := ch.ExecutionRow{
		ExecutionID: exec.ID,
		RuleID:      exec.RuleID,
		RuleVersion: uint32(exec.RuleVersion),
		Status:      string(exec.Status),
		Trigger:     string(exec.Trigger),
		TriggeredBy: exec.TriggeredBy,
		Targets:     uint32(len(exec.Targets)),
		Actions:     uint32(len(exec.Actions)),
		Error:       exec.Error,
	}
	if exec.StartedAt != nil {
		row.StartedAt = *exec.StartedAt
	} else {
		row.StartedAt = exec.CreatedAt
	}
	if exec.EndedAt != nil {
		row.EndedAt = *exec.EndedAt
	}
	row.DurationMs = uint64(exec.Duration().Milliseconds())
	for _, a := range exec.Actions {
		if a.Status == models.UnitFailed {
			row.Failed++
		}
	}
	return row
}
