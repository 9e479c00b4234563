package extdata

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"
)

// SQLBackend serves sources whose driver is registered with database/sql.
// The mysql driver is linked in; further drivers only need their import.
type SQLBackend struct {
	logger zerolog.Logger
}

// NewSQLBackend constructs the backend.
func NewSQLBackend(logger zerolog.Logger) *SQLBackend {
	return &SQLBackend{logger: logger}
}

func (b *SQLBackend) Accepts(cfg SourceConfig) bool {
	for _, driver := range sql.Drivers() {
		if driver == cfg.Driver {
			return true
		}
	}
	return false
}

func (b *SQLBackend) Construct(cfg SourceConfig, params []interface{}) (Source, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("extdata: open %s: %w", cfg.ID, err)
	}
	return &sqlSource{
		cfg:    cfg,
		db:     db,
		params: params,
		logger: b.logger.With().Str("source", cfg.ID).Logger(),
	}, nil
}

type sqlSource struct {
	cfg    SourceConfig
	db     *sql.DB
	params []interface{}
	logger zerolog.Logger
}

func (s *sqlSource) Run(ctx context.Context) (*Data, error) {
	rows, err := s.db.QueryContext(ctx, s.cfg.Query, s.params...)
	if err != nil {
		return nil, fmt.Errorf("extdata: query %s: %w", s.cfg.ID, err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("extdata: columns of %s: %w", s.cfg.ID, err)
	}

	data := &Data{
		Paths:   names,
		Columns: make(map[string][]interface{}, len(names)),
	}
	for _, name := range names {
		data.Columns[name] = nil
	}

	cells := make([]interface{}, len(names))
	ptrs := make([]interface{}, len(names))
	for i := range cells {
		ptrs[i] = &cells[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("extdata: scan %s: %w", s.cfg.ID, err)
		}
		for i, name := range names {
			data.Columns[name] = append(data.Columns[name], normalizeCell(cells[i]))
		}
		data.NrRows++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("extdata: rows of %s: %w", s.cfg.ID, err)
	}

	s.logger.Debug().Int("rows", data.NrRows).Int("columns", len(names)).Msg("External query finished")
	return data, nil
}

func (s *sqlSource) Destroy() {
	if err := s.db.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Closing external source connection failed")
	}
}

// normalizeCell maps driver cell types onto the JSON shapes resources
// persist: byte slices become strings, integer widths collapse to int64.
func normalizeCell(cell interface{}) interface{} {
	switch v := cell.(type) {
	case []byte:
		return string(v)
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float32:
		return float64(v)
	default:
		return cell
	}
}
