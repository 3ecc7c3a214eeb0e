// Package bus adapts file operations to request/response messages
// exchanged over a message broker.
package bus

import (
	"time"

	"hermes/internal/server/database"
)

// Message intentions.
const (
	IntentionCreate = "CREATE"
	IntentionRead   = "READ"
	IntentionUpdate = "UPDATE"
	IntentionDelete = "DELETE"

	// intentionInvalid labels requests that failed to decode or validate.
	intentionInvalid = "invalid"
)

// Routing key families.
const (
	RouteDetails  = "file.details"
	RouteEvents   = "file.events"
	RouteDiscover = "file.discover"
	RouteDelete   = "file.delete"
)

// Request is the envelope of every inbound command. Which of the optional
// fields apply depends on the routing key and intention.
type Request struct {
	MsgID     int64  `json:"msg_id"`
	Intention string `json:"msg_intention" validate:"required,oneof=CREATE READ UPDATE DELETE"`
	UserID    string `json:"userID" validate:"required"`
	Status    int    `json:"status"`

	// LocalOnly restricts the operation to records owned by UserID.
	LocalOnly bool `json:"localOnly"`

	// file.details
	ID       string  `json:"id"`
	Name     *string `json:"name" validate:"omitempty,max=1024"`
	Filename *string `json:"filename" validate:"omitempty,max=1024"`
	Size     *int64  `json:"size" validate:"omitempty,min=0"`
	Type     *string `json:"type"`
	Mime     string  `json:"mime"`
	Date     *int64  `json:"date"`
	Owner    string  `json:"owner"`

	// file.events
	EventID  *string  `json:"eventID"`
	FileID   *string  `json:"fileID"`
	FileIDs  []string `json:"fileIDs"`
	EventIDs []string `json:"eventIDs"`

	// file.discover and file.delete
	AssetType string `json:"assetType"`
	AssetID   string `json:"assetID"`
}

// Response is the envelope of every outbound reply. It echoes the
// correlation fields of its request.
type Response struct {
	MsgID     int64  `json:"msg_id"`
	Intention string `json:"msg_intention"`
	UserID    string `json:"userID"`
	Status    int    `json:"status"`
	Result    any    `json:"result"`
	UploadURI string `json:"uploadURI,omitempty"`

	// Set for file.discover only.
	Count *int64 `json:"count,omitempty"`
}

func (r *Request) reply(status int, result any) Response {
	return Response{
		MsgID:     r.MsgID,
		Intention: r.Intention,
		UserID:    r.UserID,
		Status:    status,
		Result:    result,
	}
}

func (r *Request) query() database.Query {
	q := database.Query{
		ID:          r.ID,
		Size:        r.Size,
		ContentType: r.Mime,
		Owner:       r.Owner,
	}
	if r.Name != nil {
		q.Name = *r.Name
	}
	if r.Filename != nil {
		q.Filename = *r.Filename
	}
	if r.Type != nil {
		q.Type = *r.Type
	}
	if r.Date != nil {
		t := time.UnixMilli(*r.Date).UTC()
		q.CreatedAt = &t
	}
	if r.LocalOnly {
		q.Owner = r.UserID
	}
	return q
}

func (r *Request) newFile() database.NewFile {
	f := database.NewFile{
		ContentType: r.Mime,
		Owner:       r.UserID,
	}
	if r.Name != nil {
		f.Name = *r.Name
	}
	if r.Filename != nil {
		f.Filename = *r.Filename
	}
	if r.Size != nil {
		f.Size = *r.Size
	}
	if r.Type != nil {
		f.Type = *r.Type
	}
	return f
}
