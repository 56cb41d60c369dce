package store

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/grantflow/harvest-cli/internal/model"
)

// scannable is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows, so
// the row helpers below serve both drivers.
type scannable interface {
	Scan(dest ...any) error
}

// sourceRow flattens a source into upsert values ordered per
// sourceUpsertColumns, ending with updated_at.
func sourceRow(src model.Source, now time.Time) ([]any, error) {
	authJSON, err := json.Marshal(src.Auth)
	if err != nil {
		return nil, eris.Wrapf(err, "store: marshal auth for %s", src.Slug)
	}
	headersJSON, err := json.Marshal(src.Headers)
	if err != nil {
		return nil, eris.Wrapf(err, "store: marshal headers for %s", src.Slug)
	}
	queryJSON, err := json.Marshal(src.QueryParams)
	if err != nil {
		return nil, eris.Wrapf(err, "store: marshal query params for %s", src.Slug)
	}
	bodyJSON, err := json.Marshal(src.RequestBody)
	if err != nil {
		return nil, eris.Wrapf(err, "store: marshal request body for %s", src.Slug)
	}
	paginationJSON, err := json.Marshal(src.Pagination)
	if err != nil {
		return nil, eris.Wrapf(err, "store: marshal pagination for %s", src.Slug)
	}
	detailJSON, err := json.Marshal(src.Detail)
	if err != nil {
		return nil, eris.Wrapf(err, "store: marshal detail for %s", src.Slug)
	}

	return []any{
		src.Slug, src.Name, src.APIEndpoint, src.HTTPMethod, string(src.AuthType), authJSON, headersJSON, queryJSON, bodyJSON,
		src.ResponseDataPath, src.TotalCountPath, string(src.Workflow), paginationJSON, detailJSON, src.RateLimitRPS, src.Active, string(src.Cadence),
		now,
	}, nil
}

func scanSource(row scannable) (*model.Source, error) {
	var src model.Source
	var authJSON, headersJSON, queryJSON, bodyJSON, paginationJSON, detailJSON *[]byte

	err := row.Scan(
		&src.ID, &src.Slug, &src.Name, &src.APIEndpoint, &src.HTTPMethod, &src.AuthType,
		&authJSON, &headersJSON, &queryJSON, &bodyJSON,
		&src.ResponseDataPath, &src.TotalCountPath, &src.Workflow, &paginationJSON, &detailJSON,
		&src.RateLimitRPS, &src.Active, &src.Cadence,
		&src.LastHarvestedAt, &src.CreatedAt, &src.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	for _, f := range []struct {
		raw  *[]byte
		dest any
	}{
		{authJSON, &src.Auth},
		{headersJSON, &src.Headers},
		{queryJSON, &src.QueryParams},
		{bodyJSON, &src.RequestBody},
		{paginationJSON, &src.Pagination},
		{detailJSON, &src.Detail},
	} {
		if f.raw == nil {
			continue
		}
		if err := json.Unmarshal(*f.raw, f.dest); err != nil {
			return nil, eris.Wrapf(err, "store: unmarshal source field for %s", src.Slug)
		}
	}
	return &src, nil
}

func scanOpportunity(row scannable) (*model.Opportunity, error) {
	var o model.Opportunity
	var eligibilityJSON, categoriesJSON, analysisJSON *[]byte

	err := row.Scan(
		&o.ID, &o.SourceID, &o.ExternalID, &o.Title, &o.Description, &o.Status,
		&o.MinimumAward, &o.MaximumAward, &o.TotalFunding,
		&o.OpenDate, &o.CloseDate, &eligibilityJSON, &categoriesJSON,
		&o.IsNational, &o.URL, &o.RawResponseID, &analysisJSON, &o.AdminNotes,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if eligibilityJSON != nil {
		if err := json.Unmarshal(*eligibilityJSON, &o.Eligibility); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal eligibility")
		}
	}
	if categoriesJSON != nil {
		if err := json.Unmarshal(*categoriesJSON, &o.Categories); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal categories")
		}
	}
	if analysisJSON != nil {
		o.Analysis = &model.Analysis{}
		if err := json.Unmarshal(*analysisJSON, o.Analysis); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal analysis")
		}
	}
	return &o, nil
}
