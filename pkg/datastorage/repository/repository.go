// Package repository implements the two-tier persistence layer: tier-1
// request_rows hold every pipeline artifact for audit, tier-2
// annotation_rows hold the human-facing label and description.
// The store is SQLite in WAL mode; (set_name, path_url) is the natural
// serialization key, so single-writer-per-row is sufficient.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	apperrors "github.com/radscribe/annotator/internal/errors"
	"github.com/radscribe/annotator/pkg/datastorage/models"
	"github.com/radscribe/annotator/pkg/datastorage/repository/sqlutil"
	"github.com/radscribe/annotator/pkg/metrics"
	"github.com/radscribe/annotator/pkg/schemas"
	"github.com/radscribe/annotator/pkg/serializer"
)

const (
	descBudget  = 4000
	labelBudget = 20

	// oversizedDesc replaces a description that still exceeds the budget
	// after every Serializer truncation step — a SchemaViolation that must
	// not occur by construction, recorded rather than raised.
	oversizedDesc = "Annotation description exceeded the storage budget and was replaced."

	// placeholderOutput is the pydantic_output written for rows created
	// before any analysis ran (flag-before-analysis, dataset loading). It
	// deserializes to a valid Annotation with empty findings so every
	// persisted row carries a parseable typed output, placeholders included.
	placeholderOutput = `{"findings":[],"confidence_score":0,"generated_by":"placeholder","gemini_enhanced":false}`
)

// Repository owns the persisted rows. The Pipeline produces RequestRow
// payloads; nothing else writes to either tier.
type Repository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// New constructs a Repository over an open datastore connection.
func New(db *sqlx.DB, logger *zap.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// Ping reports whether the store is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return apperrors.NewRepositoryUnavailableError(err)
	}
	return nil
}

const saveRequestQuery = `
INSERT INTO request_rows (
	set_name, path_url, vision_raw, structured_json, validation_attempts,
	validation_status, pydantic_output, confidence_score, enhanced, report,
	urgency_level, clinical_significance, flagged, processed, processing_error
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?)
ON CONFLICT (set_name, path_url) DO UPDATE SET
	vision_raw = excluded.vision_raw,
	structured_json = excluded.structured_json,
	validation_attempts = excluded.validation_attempts,
	validation_status = excluded.validation_status,
	pydantic_output = excluded.pydantic_output,
	confidence_score = excluded.confidence_score,
	enhanced = excluded.enhanced,
	report = excluded.report,
	urgency_level = excluded.urgency_level,
	clinical_significance = excluded.clinical_significance,
	processed = 0,
	processing_error = excluded.processing_error
RETURNING id`

// SaveRequest upserts the staging row by (set_name, path_url) and returns
// its id. An existing row keeps its flagged value and created_at; the
// typed and raw fields are rewritten and processed resets to false.
func (r *Repository) SaveRequest(ctx context.Context, payload *models.RequestRow) (int64, error) {
	var id int64
	err := r.db.QueryRowxContext(ctx, saveRequestQuery,
		payload.SetName, payload.PathURL, payload.VisionRaw, sqlutil.ToNullString(payload.StructuredJSON),
		payload.ValidationAttempts, payload.ValidationStatus, payload.PydanticOutput,
		payload.ConfidenceScore, payload.Enhanced, sqlutil.ToNullString(payload.Report),
		sqlutil.ToNullString(payload.UrgencyLevel), sqlutil.ToNullString(payload.ClinicalSignificance),
		sqlutil.ToNullString(payload.ProcessingError),
	).Scan(&id)
	if err != nil {
		return 0, classify("save request", err)
	}
	return id, nil
}

// CreatePlaceholder inserts a minimal staging row for a path no pipeline
// run has touched yet (dataset loading, flag-before-analysis). Returns
// false without error when the row already exists.
func (r *Repository) CreatePlaceholder(ctx context.Context, setName int64, pathURL string, flagged bool) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO request_rows (set_name, path_url, pydantic_output, validation_status, flagged, processed)
		VALUES (?, ?, ?, 'fallback', ?, 0)`,
		setName, pathURL, placeholderOutput, flagged)
	if err != nil {
		return false, classify("create placeholder", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, classify("create placeholder", err)
	}
	return affected > 0, nil
}

// GetRequest returns the staging row by id.
func (r *Repository) GetRequest(ctx context.Context, requestID int64) (*models.RequestRow, error) {
	var row models.RequestRow
	err := r.db.GetContext(ctx, &row, `SELECT * FROM request_rows WHERE id = ?`, requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("request row")
	}
	if err != nil {
		return nil, classify("get request", err)
	}
	return &row, nil
}

// GetRequests returns every staging row for a dataset, ordered by
// creation time.
func (r *Repository) GetRequests(ctx context.Context, setName int64) ([]models.RequestRow, error) {
	var rows []models.RequestRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM request_rows WHERE set_name = ? ORDER BY created_at`, setName)
	if err != nil {
		return nil, classify("get requests", err)
	}
	return rows, nil
}

// GetUnprocessed returns the dataset's staging rows still awaiting the
// tier-2 transition, ordered by created_at.
func (r *Repository) GetUnprocessed(ctx context.Context, setName int64) ([]models.RequestRow, error) {
	var rows []models.RequestRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM request_rows WHERE set_name = ? AND processed = 0 ORDER BY created_at`, setName)
	if err != nil {
		return nil, classify("get unprocessed", err)
	}
	return rows, nil
}

// GetFlagged returns the dataset's flagged staging rows.
func (r *Repository) GetFlagged(ctx context.Context, setName int64) ([]models.RequestRow, error) {
	var rows []models.RequestRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM request_rows WHERE set_name = ? AND flagged = 1 ORDER BY created_at`, setName)
	if err != nil {
		return nil, classify("get flagged", err)
	}
	return rows, nil
}

// RecentRequests returns the dataset's most recently created staging
// rows, newest first. ChatTool's context bundle consumes this.
func (r *Repository) RecentRequests(ctx context.Context, setName int64, limit int) ([]models.RequestRow, error) {
	var rows []models.RequestRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM request_rows WHERE set_name = ? ORDER BY created_at DESC LIMIT ?`, setName, limit)
	if err != nil {
		return nil, classify("recent requests", err)
	}
	return rows, nil
}

// ProcessRequest performs the tier-2 transition in one transaction:
// ensure the Label row, upsert the AnnotationRow, and set processed=true
// on the staging row. All three writes succeed or
// none do.
func (r *Repository) ProcessRequest(ctx context.Context, requestID int64, descText, primaryLabel string) error {
	if len(primaryLabel) > labelBudget {
		primaryLabel = primaryLabel[:labelBudget]
	}
	oversized := len(descText) > descBudget
	if oversized {
		r.logger.Error("description exceeded budget after serialization, writing placeholder",
			zap.Int64("request_id", requestID), zap.Int("length", len(descText)))
		descText = oversizedDesc
	}

	timer := metrics.NewTimer()
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify("process request", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var row models.RequestRow
	if err := tx.GetContext(ctx, &row, `SELECT * FROM request_rows WHERE id = ?`, requestID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NewNotFoundError("request row")
		}
		return classify("process request", err)
	}

	patientID := patientIDFromOutput(row.PydanticOutput)

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO labels (name) VALUES (?)`, primaryLabel); err != nil {
		return classify("process request", err)
	}
	if patientID != 0 {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO patients (external_id) VALUES (?)`, patientID); err != nil {
			return classify("process request", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO annotation_rows (set_name, path_url, label, patient_id, "desc", request_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (set_name, path_url) DO UPDATE SET
			label = excluded.label,
			patient_id = excluded.patient_id,
			"desc" = excluded."desc",
			request_id = excluded.request_id`,
		row.SetName, row.PathURL, primaryLabel, patientID, descText, requestID)
	if err != nil {
		return classify("process request", err)
	}

	if oversized {
		_, err = tx.ExecContext(ctx,
			`UPDATE request_rows SET processed = 1, processing_error = ? WHERE id = ?`,
			"rendered description exceeded the storage budget", requestID)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE request_rows SET processed = 1 WHERE id = ?`, requestID)
	}
	if err != nil {
		return classify("process request", err)
	}

	if err := tx.Commit(); err != nil {
		return classify("process request", err)
	}
	timer.ObserveStage("repository_process")
	metrics.RecordRequestProcessed()
	return nil
}

// GetAnnotations returns the dataset's production rows.
func (r *Repository) GetAnnotations(ctx context.Context, setName int64) ([]models.AnnotationRow, error) {
	var rows []models.AnnotationRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT set_name, path_url, label, patient_id, "desc", request_id
		FROM annotation_rows WHERE set_name = ? ORDER BY path_url`, setName)
	if err != nil {
		return nil, classify("get annotations", err)
	}
	return rows, nil
}

// GetAnnotationWithRequest joins the production row to its staging row
// for audit (one-way foreign key, joined on demand).
func (r *Repository) GetAnnotationWithRequest(ctx context.Context, setName int64, pathURL string) (*models.AnnotationWithRequest, error) {
	var joined models.AnnotationWithRequest
	err := r.db.GetContext(ctx, &joined, `
		SELECT
			a.set_name AS "annotation.set_name",
			a.path_url AS "annotation.path_url",
			a.label AS "annotation.label",
			a.patient_id AS "annotation.patient_id",
			a."desc" AS "annotation.desc",
			a.request_id AS "annotation.request_id",
			r.id AS "request.id",
			r.set_name AS "request.set_name",
			r.path_url AS "request.path_url",
			r.vision_raw AS "request.vision_raw",
			r.structured_json AS "request.structured_json",
			r.validation_attempts AS "request.validation_attempts",
			r.validation_status AS "request.validation_status",
			r.pydantic_output AS "request.pydantic_output",
			r.confidence_score AS "request.confidence_score",
			r.enhanced AS "request.enhanced",
			r.report AS "request.report",
			r.urgency_level AS "request.urgency_level",
			r.clinical_significance AS "request.clinical_significance",
			r.flagged AS "request.flagged",
			r.created_at AS "request.created_at",
			r.processed AS "request.processed",
			r.processing_error AS "request.processing_error"
		FROM annotation_rows a
		JOIN request_rows r ON r.id = a.request_id
		WHERE a.set_name = ? AND a.path_url = ?`, setName, pathURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("annotation")
	}
	if err != nil {
		return nil, classify("get annotation with request", err)
	}
	return &joined, nil
}

// UpdateAnnotation applies a manual edit to the production row without
// touching its staging row. Nil fields are left unchanged.
func (r *Repository) UpdateAnnotation(ctx context.Context, setName int64, pathURL string, label, desc *string) (*models.AnnotationRow, error) {
	if label == nil && desc == nil {
		return nil, apperrors.NewValidationError("at least one of label or desc must be provided")
	}
	if label != nil && len(*label) > labelBudget {
		return nil, apperrors.NewValidationError("label must be 20 characters or less")
	}
	if desc != nil && len(*desc) > descBudget {
		return nil, apperrors.NewValidationError("desc must be 4000 characters or less")
	}

	var sets []string
	var args []interface{}
	if label != nil {
		sets = append(sets, "label = ?")
		args = append(args, *label)
	}
	if desc != nil {
		sets = append(sets, `"desc" = ?`)
		args = append(args, *desc)
	}
	args = append(args, setName, pathURL)

	res, err := r.db.ExecContext(ctx,
		`UPDATE annotation_rows SET `+strings.Join(sets, ", ")+` WHERE set_name = ? AND path_url = ?`,
		args...)
	if err != nil {
		return nil, classify("update annotation", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, classify("update annotation", err)
	}
	if affected == 0 {
		return nil, apperrors.NewNotFoundError("annotation")
	}

	var row models.AnnotationRow
	err = r.db.GetContext(ctx, &row, `
		SELECT set_name, path_url, label, patient_id, "desc", request_id
		FROM annotation_rows WHERE set_name = ? AND path_url = ?`, setName, pathURL)
	if err != nil {
		return nil, classify("update annotation", err)
	}
	return &row, nil
}

// DeleteAnnotation removes only the production row; the staging row and
// its audit trail survive.
func (r *Repository) DeleteAnnotation(ctx context.Context, setName int64, pathURL string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM annotation_rows WHERE set_name = ? AND path_url = ?`, setName, pathURL)
	if err != nil {
		return classify("delete annotation", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return classify("delete annotation", err)
	}
	if affected == 0 {
		return apperrors.NewNotFoundError("annotation")
	}
	return nil
}

// DeleteAnnotationDeep removes the staging row; the schema-level cascade
// takes the production row with it. This is the explicit deep delete the
// foreign-key declaration exists for.
func (r *Repository) DeleteAnnotationDeep(ctx context.Context, setName int64, pathURL string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM request_rows WHERE set_name = ? AND path_url = ?`, setName, pathURL)
	if err != nil {
		return classify("delete annotation deep", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return classify("delete annotation deep", err)
	}
	if affected == 0 {
		return apperrors.NewNotFoundError("request row")
	}
	return nil
}

// Flag toggles the review flag. When no staging row exists
// and flagged is true, a placeholder row is created; when flagged is
// false and no row exists, the call is a no-op returning false. Flag
// state is independent of pipeline execution and survives re-analysis.
func (r *Repository) Flag(ctx context.Context, setName int64, pathURL string, flagged bool) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE request_rows SET flagged = ? WHERE set_name = ? AND path_url = ?`,
		flagged, setName, pathURL)
	if err != nil {
		return false, classify("flag", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, classify("flag", err)
	}
	if affected > 0 {
		return flagged, nil
	}

	if !flagged {
		return false, nil
	}
	if _, err := r.CreatePlaceholder(ctx, setName, pathURL, true); err != nil {
		return false, err
	}
	return true, nil
}

// LabelHistogram returns the per-label annotation counts for a dataset.
// ChatTool's context bundle consumes this.
func (r *Repository) LabelHistogram(ctx context.Context, setName int64) (map[string]int, error) {
	rows, err := r.db.QueryxContext(ctx,
		`SELECT label, COUNT(*) FROM annotation_rows WHERE set_name = ? GROUP BY label ORDER BY COUNT(*) DESC`,
		setName)
	if err != nil {
		return nil, classify("label histogram", err)
	}
	defer rows.Close()

	histogram := make(map[string]int)
	for rows.Next() {
		var label string
		var count int
		if err := rows.Scan(&label, &count); err != nil {
			return nil, classify("label histogram", err)
		}
		histogram[label] = count
	}
	if err := rows.Err(); err != nil {
		return nil, classify("label histogram", err)
	}
	return histogram, nil
}

// PipelineStats aggregates the dataset's staging rows.
func (r *Repository) PipelineStats(ctx context.Context, setName int64) (*models.PipelineStats, error) {
	var agg struct {
		Total         int     `db:"total"`
		Processed     int     `db:"processed"`
		EnhancedCount int     `db:"enhanced_count"`
		AvgConfidence float64 `db:"avg_confidence"`
	}
	err := r.db.GetContext(ctx, &agg, `
		SELECT
			COUNT(*) AS total,
			COALESCE(SUM(processed), 0) AS processed,
			COALESCE(SUM(enhanced), 0) AS enhanced_count,
			COALESCE(AVG(confidence_score), 0) AS avg_confidence
		FROM request_rows WHERE set_name = ?`, setName)
	if err != nil {
		return nil, classify("pipeline stats", err)
	}

	stats := &models.PipelineStats{
		Total:         agg.Total,
		Processed:     agg.Processed,
		Unprocessed:   agg.Total - agg.Processed,
		EnhancedCount: agg.EnhancedCount,
		AvgConfidence: agg.AvgConfidence,
		ByStatus:      make(map[models.ValidationStatus]int),
	}

	rows, err := r.db.QueryxContext(ctx,
		`SELECT validation_status, COUNT(*) FROM request_rows WHERE set_name = ? GROUP BY validation_status`,
		setName)
	if err != nil {
		return nil, classify("pipeline stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status models.ValidationStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, classify("pipeline stats", err)
		}
		stats.ByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, classify("pipeline stats", err)
	}
	return stats, nil
}

// patientIDFromOutput extracts the coerced integer patient id from a
// persisted pydantic_output blob. A blob that fails to parse coerces to 0,
// matching the Serializer's rule.
func patientIDFromOutput(output string) int64 {
	var annotation schemas.Annotation
	if err := json.Unmarshal([]byte(output), &annotation); err != nil {
		return 0
	}
	return serializer.PatientIDInt(annotation.PatientID)
}

// classify maps a driver error onto the repository's error taxonomy:
// constraint violations become RepositoryConflict, everything else
// RepositoryUnavailable-or-database depending on reachability.
func classify(operation string, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code == sqlite3.ErrConstraint {
			return apperrors.NewRepositoryConflictError(operation, err)
		}
		if sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked {
			return apperrors.NewRepositoryUnavailableError(err)
		}
	}
	return apperrors.NewDatabaseError(operation, err)
}
