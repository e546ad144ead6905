package types

import "encoding/json"

// Entity concrete types of the table-like entities this module manages.
const (
	ConcreteTypeTableEntity    = "org.sagebionetworks.repo.model.table.TableEntity"
	ConcreteTypeEntityView     = "org.sagebionetworks.repo.model.table.EntityView"
	ConcreteTypeSubmissionView = "org.sagebionetworks.repo.model.table.SubmissionView"
	ConcreteTypeDataset        = "org.sagebionetworks.repo.model.table.Dataset"
)

// Entity is the metadata of a table-like entity. Fields the client does not
// model are kept in Extra so that updates round-trip them untouched.
type Entity struct {
	ConcreteType  string   `json:"concreteType"`
	ID            string   `json:"id,omitempty"`
	Name          string   `json:"name"`
	ParentID      string   `json:"parentId,omitempty"`
	Description   string   `json:"description,omitempty"`
	Etag          string   `json:"etag,omitempty"`
	VersionNumber int64    `json:"versionNumber,omitempty"`
	ColumnIDs     []string `json:"columnIds"`

	Extra map[string]json.RawMessage `json:"-"`
}

var entityKnownFields = []string{
	"concreteType", "id", "name", "parentId", "description", "etag", "versionNumber", "columnIds",
}

func (e *Entity) MarshalJSON() ([]byte, error) {
	type alias Entity
	known, err := json.Marshal((*alias)(e))
	if err != nil {
		return nil, err
	}
	if len(e.Extra) == 0 {
		return known, nil
	}
	merged := make(map[string]json.RawMessage, len(e.Extra)+len(entityKnownFields))
	for k, v := range e.Extra {
		merged[k] = v
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

func (e *Entity) UnmarshalJSON(data []byte) error {
	type alias Entity
	if err := json.Unmarshal(data, (*alias)(e)); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range entityKnownFields {
		delete(all, k)
	}
	if len(all) > 0 {
		e.Extra = all
	} else {
		e.Extra = nil
	}
	return nil
}

// EntityBundle wraps an entity for the bundle create/update endpoints.
type EntityBundle struct {
	Entity *Entity `json:"entity"`
}

// EntityLookupRequest resolves a child entity by name.
type EntityLookupRequest struct {
	ParentID   string `json:"parentId"`
	EntityName string `json:"entityName"`
}

// EntityID is the response of an entity lookup.
type EntityID struct {
	ID string `json:"id"`
}

// AsyncJobState is the state of an asynchronous job.
type AsyncJobState string

const (
	JobStateProcessing AsyncJobState = "PROCESSING"
	JobStateFailed     AsyncJobState = "FAILED"
	JobStateComplete   AsyncJobState = "COMPLETE"
)

// AsyncJobID is returned when a job starts.
type AsyncJobID struct {
	Token string `json:"token"`
}

// AsyncJobStatus reports the progress of an asynchronous job.
type AsyncJobStatus struct {
	JobID           string          `json:"jobId"`
	JobState        AsyncJobState   `json:"jobState"`
	ProgressCurrent int64           `json:"progressCurrent,omitempty"`
	ProgressTotal   int64           `json:"progressTotal,omitempty"`
	ProgressMessage string          `json:"progressMessage,omitempty"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
	ErrorDetails    string          `json:"errorDetails,omitempty"`
	ResponseBody    json.RawMessage `json:"responseBody,omitempty"`
}

// ColumnModelList is the request and response body of the batch column
// endpoints.
type ColumnModelList struct {
	List []ColumnModel `json:"list"`
}

// PaginatedColumnModels is the response of the table column listing.
type PaginatedColumnModels struct {
	Results              []ColumnModel `json:"results"`
	TotalNumberOfResults int64         `json:"totalNumberOfResults"`
}

// FileHandle is the metadata of an uploaded file.
type FileHandle struct {
	ConcreteType      string `json:"concreteType,omitempty"`
	ID                string `json:"id,omitempty"`
	FileName          string `json:"fileName"`
	ContentType       string `json:"contentType"`
	ContentSize       int64  `json:"contentSize,omitempty"`
	ContentMD5        string `json:"contentMd5,omitempty"`
	Bucket            string `json:"bucket,omitempty"`
	Key               string `json:"key,omitempty"`
	StorageLocationID int64  `json:"storageLocationId,omitempty"`
}

const ConcreteTypeS3FileHandle = "org.sagebionetworks.repo.model.file.S3FileHandle"
