package model

import "time"

// Workflow selects how a source's API is called.
type Workflow string

const (
	// WorkflowSingleAPI pages through one list endpoint.
	WorkflowSingleAPI Workflow = "single_api"
	// WorkflowTwoStep pages through a list endpoint, then issues one
	// detail call per stub record.
	WorkflowTwoStep Workflow = "two_step"
)

// AuthType selects the request authentication strategy for a source.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthBasic  AuthType = "basic"
	AuthBearer AuthType = "bearer"
	AuthAPIKey AuthType = "api_key"
)

// AuthConfig holds credentials for a source. Only the fields matching
// the source's AuthType are consulted.
type AuthConfig struct {
	Username string `json:"username,omitempty" yaml:"username"`
	Password string `json:"password,omitempty" yaml:"password"`
	Token    string `json:"token,omitempty" yaml:"token"`
	KeyName  string `json:"key_name,omitempty" yaml:"key_name"`
	KeyValue string `json:"key_value,omitempty" yaml:"key_value"`
	// InQuery sends the API key as a query parameter instead of a header.
	InQuery bool `json:"in_query,omitempty" yaml:"in_query"`
}

// PaginationConfig describes how to page through a source's list endpoint.
// Param names vary per API, so both are configurable.
type PaginationConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	PageParam string `json:"page_param,omitempty" yaml:"page_param"`
	SizeParam string `json:"size_param,omitempty" yaml:"size_param"`
	PageSize  int    `json:"page_size,omitempty" yaml:"page_size"`
	MaxPages  int    `json:"max_pages,omitempty" yaml:"max_pages"`
	StartPage int    `json:"start_page,omitempty" yaml:"start_page"`
}

// DetailConfig describes the per-item detail call of a two-step source.
type DetailConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// EndpointTemplate may contain {id}, which is replaced with the stub's
	// id value. When absent, the id is sent as the IDParam query parameter.
	EndpointTemplate string `json:"endpoint_template,omitempty" yaml:"endpoint_template"`
	// IDField is the key in the stub record holding the external id.
	IDField string `json:"id_field,omitempty" yaml:"id_field"`
	IDParam string `json:"id_param,omitempty" yaml:"id_param"`
	// DataPath locates the detail record within the detail response.
	DataPath string `json:"data_path,omitempty" yaml:"data_path"`
}

// Source is one external funding-opportunity API's connection profile.
// It is read once at run start and treated as immutable for the run.
type Source struct {
	ID          string `json:"id" yaml:"id"`
	Slug        string `json:"slug" yaml:"slug"`
	Name        string `json:"name" yaml:"name"`
	APIEndpoint string `json:"api_endpoint" yaml:"api_endpoint"`
	HTTPMethod  string `json:"http_method,omitempty" yaml:"http_method"`

	AuthType AuthType   `json:"auth_type,omitempty" yaml:"auth_type"`
	Auth     AuthConfig `json:"auth,omitempty" yaml:"auth"`

	Headers     map[string]string `json:"headers,omitempty" yaml:"headers"`
	QueryParams map[string]string `json:"query_params,omitempty" yaml:"query_params"`
	RequestBody map[string]any    `json:"request_body,omitempty" yaml:"request_body"`

	// ResponseDataPath is a dotted path to the item array in list
	// responses; empty means the response root.
	ResponseDataPath string `json:"response_data_path,omitempty" yaml:"response_data_path"`
	// TotalCountPath is a dotted path to the server-reported total.
	TotalCountPath string `json:"total_count_path,omitempty" yaml:"total_count_path"`

	Workflow   Workflow         `json:"workflow" yaml:"workflow"`
	Pagination PaginationConfig `json:"pagination,omitempty" yaml:"pagination"`
	Detail     DetailConfig     `json:"detail,omitempty" yaml:"detail"`

	// RateLimitRPS caps request throughput against this source. Zero
	// means the harvester default.
	RateLimitRPS float64 `json:"rate_limit_rps,omitempty" yaml:"rate_limit_rps"`

	Active          bool       `json:"active" yaml:"active"`
	Cadence         Cadence    `json:"cadence,omitempty" yaml:"cadence"`
	LastHarvestedAt *time.Time `json:"last_harvested_at,omitempty" yaml:"-"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Cadence is how often a source should be harvested by the batch loop.
type Cadence string

const (
	CadenceHourly  Cadence = "hourly"
	CadenceDaily   Cadence = "daily"
	CadenceWeekly  Cadence = "weekly"
	CadenceMonthly Cadence = "monthly"
	CadenceManual  Cadence = "manual"
)

// Interval returns the minimum time between harvests for the cadence.
// Manual (and unknown) cadences return 0, meaning never due.
func (c Cadence) Interval() time.Duration {
	switch c {
	case CadenceHourly:
		return time.Hour
	case CadenceDaily:
		return 24 * time.Hour
	case CadenceWeekly:
		return 7 * 24 * time.Hour
	case CadenceMonthly:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// Due reports whether the source should be harvested at now given its
// cadence and last harvest time.
func (s *Source) Due(now time.Time) bool {
	if !s.Active {
		return false
	}
	interval := s.Cadence.Interval()
	if interval == 0 {
		return false
	}
	if s.LastHarvestedAt == nil {
		return true
	}
	return now.Sub(*s.LastHarvestedAt) >= interval
}
