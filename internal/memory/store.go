package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"nexus/cli/internal/correlator"
	"nexus/cli/internal/journal"
	"nexus/cli/internal/logging"
)

// ErrWriteRejected is returned when the host ran the write command but reported failure.
var ErrWriteRejected = errors.New("memory write rejected by host")

// Executor runs one shell command on the bridge host.
type Executor interface {
	Execute(ctx context.Context, command string) (correlator.Result, error)
}

type StoreOptions struct {
	Dialect Dialect
	Logger  *slog.Logger
	Journal journal.Sink
}

// Store reads and writes the memory file through the bridge's EXECUTE channel.
type Store struct {
	exec    Executor
	dialect Dialect
	logger  *slog.Logger
	journal journal.Sink
}

func NewStore(exec Executor, opts StoreOptions) *Store {
	s := &Store{exec: exec, dialect: opts.Dialect, logger: opts.Logger, journal: opts.Journal}
	if s.dialect == nil {
		s.dialect = PowerShell{}
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}
	if s.journal == nil {
		s.journal = journal.Discard
	}
	return s
}

func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Save writes m to the host. It is not retried.
func (s *Store) Save(ctx context.Context, m Memory) error {
	blob, err := Encode(m)
	if err != nil {
		return err
	}
	res, err := s.exec.Execute(ctx, s.dialect.WriteCommand(blob))
	if err == nil && !res.Success {
		err = fmt.Errorf("%w: %s", ErrWriteRejected, strings.TrimSpace(res.Output))
	}
	if err != nil {
		s.logger.Error("memory save failed", "dialect", s.dialect.Name(), "err", err)
		s.journal.Append(journal.Error, "Memory write failed: "+err.Error())
		return fmt.Errorf("save memory: %w", err)
	}
	s.logger.Debug("memory saved", "bytes", len(blob))
	return nil
}

// Load prints the memory file on the host and decodes it. It returns a nil Partial when the
// file is absent or empty, and a nil Partial with an error wrapping ErrMalformed when the
// contents cannot be decoded.
func (s *Store) Load(ctx context.Context) (Partial, error) {
	res, err := s.exec.Execute(ctx, s.dialect.ReadCommand())
	if err != nil {
		s.logger.Warn("memory load failed", "err", err)
		s.journal.Append(journal.Error, "Memory sync offline.")
		return nil, fmt.Errorf("load memory: %w", err)
	}
	blob := strings.TrimSpace(res.Output)
	if !res.Success || blob == "" {
		s.journal.Append(journal.Warning, "No memory matrix found on host.")
		return nil, nil
	}
	p, err := Decode(blob)
	if err != nil {
		s.logger.Warn("memory blob rejected", "err", err)
		s.journal.Append(journal.Warning, "Memory checksum mismatch.")
		return nil, err
	}
	s.journal.Append(journal.Success, "BRAIN-LINK ENGAGED: Memory matrix synchronized.")
	return p, nil
}
