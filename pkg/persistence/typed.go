package persistence

import "context"

// GetAs loads a document and decodes it into T.
func GetAs[T any](ctx context.Context, store DocumentStore, collection, id string) (*T, error) {
	doc, err := store.Get(ctx, collection, id)
	if err != nil {
		return nil, err
	}

	var out T
	if err := Decode(doc, &out); err != nil {
		return nil, NewDocumentError("Get", collection, id, err)
	}

	return &out, nil
}

// FindAs runs a query and decodes every result into T.
func FindAs[T any](ctx context.Context, store DocumentStore, collection string, query Query) ([]*T, error) {
	docs, err := store.Find(ctx, collection, query)
	if err != nil {
		return nil, err
	}

	out := make([]*T, 0, len(docs))

	for _, doc := range docs {
		var item T
		if err := Decode(doc, &item); err != nil {
			return nil, NewDocumentError("Find", collection, "", err)
		}

		out = append(out, &item)
	}

	return out, nil
}

// FindOneAs returns the first result of a query, or ErrNotFound.
func FindOneAs[T any](ctx context.Context, store DocumentStore, collection string, query Query) (*T, error) {
	query.Limit = 1

	items, err := FindAs[T](ctx, store, collection, query)
	if err != nil {
		return nil, err
	}

	if len(items) == 0 {
		return nil, NewDocumentError("Find", collection, "", ErrNotFound)
	}

	return items[0], nil
}

// InsertAs encodes value and inserts it.
func InsertAs(ctx context.Context, store DocumentStore, collection string, value any) error {
	doc, err := Encode(value)
	if err != nil {
		return NewDocumentError("Insert", collection, "", err)
	}

	return store.Insert(ctx, collection, doc)
}

// UpdateAs applies a patch and decodes the updated document into T.
func UpdateAs[T any](ctx context.Context, store DocumentStore, collection, id string, cond Filter, patch Patch) (*T, error) {
	doc, err := store.Update(ctx, collection, id, cond, patch)
	if err != nil {
		return nil, err
	}

	var out T
	if err := Decode(doc, &out); err != nil {
		return nil, NewDocumentError("Update", collection, id, err)
	}

	return &out, nil
}
