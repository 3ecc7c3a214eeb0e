package service

import (
	"context"
	"slices"

	"hermes/internal/server/database"
)

// OwnerFilter restricts binding operations to records owned by a single
// principal. The zero value applies no restriction.
type OwnerFilter struct {
	Owner string
}

// AnyOwner applies no ownership restriction.
func AnyOwner() OwnerFilter { return OwnerFilter{} }

// OwnedBy restricts operations to records owned by owner.
func OwnedBy(owner string) OwnerFilter { return OwnerFilter{Owner: owner} }

// BindingService maintains the many-to-many relation between file records
// and external events. Every mutation is idempotent: adding a present
// member or removing an absent one changes nothing and is not an error.
//
// Operations keyed by event touch many records; an owner filter that
// excludes a record makes it indistinguishable from a missing one.
// Operations keyed by file touch one record and report ErrNotFound or
// ErrForbidden when it is missing or excluded by the filter.
//
// ReplaceFilesForEvent runs as two separate store updates. A concurrent add
// for the same event may land between them and be discarded or kept
// depending on ordering.
type BindingService struct {
	store database.Store
}

// NewBindingService creates a binding service over store.
func NewBindingService(store database.Store) *BindingService {
	return &BindingService{store: store}
}

// AddFilesToEvent binds eventID to every listed file. Files that do not
// exist, or fail the owner filter, are skipped.
func (b *BindingService) AddFilesToEvent(ctx context.Context, eventID string, fileIDs []string, owner OwnerFilter) (bool, error) {
	ids, err := b.fileIDs(eventID, fileIDs)
	if err != nil {
		return false, err
	}
	_, err = b.store.AddEvents(ctx, database.Selector{IDs: ids, Owner: owner.Owner}, []string{eventID})
	return err == nil, translate(err)
}

// AddEventsToFile binds every listed event to fileID.
func (b *BindingService) AddEventsToFile(ctx context.Context, fileID string, eventIDs []string, owner OwnerFilter) (bool, error) {
	events, err := b.eventIDs(fileID, eventIDs)
	if err != nil {
		return false, err
	}
	n, err := b.store.AddEvents(ctx, database.Selector{IDs: []string{fileID}, Owner: owner.Owner}, events)
	if err != nil {
		return false, translate(err)
	}
	if n == 0 {
		return false, b.missing(ctx, fileID)
	}
	return true, nil
}

// RemoveFilesFromEvent unbinds eventID from every listed file.
func (b *BindingService) RemoveFilesFromEvent(ctx context.Context, eventID string, fileIDs []string, owner OwnerFilter) (bool, error) {
	ids, err := b.fileIDs(eventID, fileIDs)
	if err != nil {
		return false, err
	}
	_, err = b.store.RemoveEvents(ctx, database.Selector{IDs: ids, Owner: owner.Owner}, []string{eventID})
	return err == nil, translate(err)
}

// RemoveEventsFromFile unbinds every listed event from fileID.
func (b *BindingService) RemoveEventsFromFile(ctx context.Context, fileID string, eventIDs []string, owner OwnerFilter) (bool, error) {
	events, err := b.eventIDs(fileID, eventIDs)
	if err != nil {
		return false, err
	}
	n, err := b.store.RemoveEvents(ctx, database.Selector{IDs: []string{fileID}, Owner: owner.Owner}, events)
	if err != nil {
		return false, translate(err)
	}
	if n == 0 {
		return false, b.missing(ctx, fileID)
	}
	return true, nil
}

// ReplaceFilesForEvent makes fileIDs the exact set of files bound to
// eventID: it first unbinds the event everywhere the owner filter allows,
// then binds it to the listed files.
func (b *BindingService) ReplaceFilesForEvent(ctx context.Context, eventID string, fileIDs []string, owner OwnerFilter) (bool, error) {
	ids, err := b.fileIDs(eventID, fileIDs)
	if err != nil {
		return false, err
	}
	bound := []string{eventID}
	if _, err := b.store.RemoveEvents(ctx, database.Selector{Event: eventID, Owner: owner.Owner}, bound); err != nil {
		return false, translate(err)
	}
	_, err = b.store.AddEvents(ctx, database.Selector{IDs: ids, Owner: owner.Owner}, bound)
	return err == nil, translate(err)
}

// ReplaceEventsForFile overwrites the events bound to fileID.
func (b *BindingService) ReplaceEventsForFile(ctx context.Context, fileID string, eventIDs []string, owner OwnerFilter) (bool, error) {
	events, err := b.eventIDs(fileID, eventIDs)
	if err != nil {
		return false, err
	}
	n, err := b.store.SetEvents(ctx, database.Selector{IDs: []string{fileID}, Owner: owner.Owner}, events)
	if err != nil {
		return false, translate(err)
	}
	if n == 0 {
		return false, b.missing(ctx, fileID)
	}
	return true, nil
}

// ListEventsForFile returns the events bound to fileID, sorted.
func (b *BindingService) ListEventsForFile(ctx context.Context, fileID string, owner OwnerFilter) ([]string, error) {
	if !b.store.ValidID(fileID) {
		return nil, invalid("invalid file id %q", fileID)
	}
	files, err := b.store.Find(ctx, database.Query{ID: fileID})
	if err != nil {
		return nil, translate(err)
	}
	if len(files) == 0 {
		return nil, ErrNotFound
	}
	if owner.Owner != "" && files[0].Owner != owner.Owner {
		return nil, ErrForbidden
	}

	events := slices.Clone(files[0].Events)
	if events == nil {
		events = []string{}
	}
	slices.Sort(events)
	return events, nil
}

// ListFilesForEvent returns the ids of files bound to eventID, sorted.
func (b *BindingService) ListFilesForEvent(ctx context.Context, eventID string, owner OwnerFilter) ([]string, error) {
	if eventID == "" {
		return nil, invalid("event id is required")
	}
	files, err := b.store.Find(ctx, database.Query{Event: eventID, Owner: owner.Owner})
	if err != nil {
		return nil, translate(err)
	}

	ids := make([]string, 0, len(files))
	for _, f := range files {
		ids = append(ids, f.ID)
	}
	slices.Sort(ids)
	return ids, nil
}

// missing classifies a single-record mutation that matched nothing.
func (b *BindingService) missing(ctx context.Context, fileID string) error {
	files, err := b.store.Find(ctx, database.Query{ID: fileID})
	if err != nil {
		return translate(err)
	}
	if len(files) == 0 {
		return ErrNotFound
	}
	return ErrForbidden
}

func (b *BindingService) fileIDs(eventID string, fileIDs []string) ([]string, error) {
	if eventID == "" {
		return nil, invalid("event id is required")
	}
	for _, id := range fileIDs {
		if !b.store.ValidID(id) {
			return nil, invalid("invalid file id %q", id)
		}
	}
	return unique(fileIDs), nil
}

func (b *BindingService) eventIDs(fileID string, eventIDs []string) ([]string, error) {
	if !b.store.ValidID(fileID) {
		return nil, invalid("invalid file id %q", fileID)
	}
	for _, e := range eventIDs {
		if e == "" {
			return nil, invalid("event ids must not be empty")
		}
	}
	return unique(eventIDs), nil
}

func unique(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}
