package records

// QueryRequest is the body of a query against the records API.
type QueryRequest struct {
	Filters Filter   `json:"filters"`
	Fields  []string `json:"fields,omitempty"`
	Order   []Order  `json:"order,omitempty"`
	Limit   int      `json:"limit,omitempty"`
	One     bool     `json:"one,omitempty"`
}

// QueryResponse carries Record when the query asked for one record and
// Records otherwise.
type QueryResponse struct {
	Record  Record   `json:"record,omitempty"`
	Records []Record `json:"records,omitempty"`
}

type CreateResponse struct {
	ID int64 `json:"id"`
}

const (
	SchemaTypesPath string = "/api/v1/schema/types"
	EntitiesPath    string = "/api/v1/entities"

	SessionHeader string = "X-Session-UUID"
)
