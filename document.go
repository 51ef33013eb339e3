package db

import (
	"encoding/json"
	"fmt"

	"cloud.google.com/go/firestore"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// IDField is the key under which every returned document carries its id.
const IDField = "id"

// ShadowedIDField holds a stored field that is itself named "id". On read the
// native id always owns IDField and the stored field moves here; on write it
// moves back.
const ShadowedIDField = "id_"

// Document is a backend-neutral document. Both adapters return documents with
// a string id under IDField, whatever the native representation was.
type Document map[string]any

// ID returns the normalized document id, or "" if none is set.
func (d Document) ID() string {
	if d == nil {
		return ""
	}
	id, _ := d[IDField].(string)
	return id
}

// Decode copies the document into dest via a JSON round trip.
func (d Document) Decode(dest any) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return WithContext(ErrInvalidData, map[string]interface{}{
			"id":    d.ID(),
			"cause": err.Error(),
		})
	}
	return nil
}

// documentFromBSON normalizes a decoded Mongo document. The _id key is moved
// to IDField as a string and a stored "id" field to ShadowedIDField.
func documentFromBSON(m bson.M) Document {
	doc := make(Document, len(m))
	for k, v := range m {
		switch k {
		case "_id":
		case IDField:
			doc[ShadowedIDField] = normalizeBSONValue(v)
		default:
			doc[k] = normalizeBSONValue(v)
		}
	}
	if id, ok := m["_id"]; ok {
		doc[IDField] = idString(id)
	}
	return doc
}

func documentsFromBSON(ms []bson.M) []Document {
	docs := make([]Document, 0, len(ms))
	for _, m := range ms {
		docs = append(docs, documentFromBSON(m))
	}
	return docs
}

// normalizeBSONValue converts driver types into plain Go values.
func normalizeBSONValue(v any) any {
	switch val := v.(type) {
	case bson.ObjectID:
		return val.Hex()
	case bson.DateTime:
		return val.Time().UTC()
	case bson.Decimal128:
		return val.String()
	case bson.D:
		out := make(map[string]any, len(val))
		for _, e := range val {
			out[e.Key] = normalizeBSONValue(e.Value)
		}
		return out
	case bson.M:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = normalizeBSONValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = normalizeBSONValue(e)
		}
		return out
	case bson.A:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = normalizeBSONValue(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = normalizeBSONValue(e)
		}
		return out
	default:
		return v
	}
}

// idString renders a native id as a string.
func idString(id any) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return v
	case bson.ObjectID:
		return v.Hex()
	default:
		return fmt.Sprint(v)
	}
}

// mongoID converts a string id back into the value stored in _id: a valid
// 24-char hex string is treated as an ObjectID, anything else as a string.
func mongoID(id string) any {
	if oid, err := bson.ObjectIDFromHex(id); err == nil {
		return oid
	}
	return id
}

func mongoIDFilter(id string) bson.D {
	return bson.D{{Key: "_id", Value: mongoID(id)}}
}

// documentFromSnapshot normalizes a Firestore snapshot.
func documentFromSnapshot(snap *firestore.DocumentSnapshot) Document {
	data := snap.Data()
	doc := make(Document, len(data)+1)
	for k, v := range data {
		if k == IDField {
			k = ShadowedIDField
		}
		doc[k] = normalizeFirestoreValue(v)
	}
	doc[IDField] = snap.Ref.ID
	return doc
}

func normalizeFirestoreValue(v any) any {
	switch val := v.(type) {
	case *firestore.DocumentRef:
		if val == nil {
			return nil
		}
		return val.Path
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = normalizeFirestoreValue(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = normalizeFirestoreValue(e)
		}
		return out
	default:
		return v
	}
}

// toFirestoreData strips IDField from a map so ids are not stored twice. A
// ShadowedIDField value is stored under "id".
func toFirestoreData(data any) any {
	switch m := data.(type) {
	case Document:
		return withoutID(m)
	case map[string]any:
		return withoutID(m)
	default:
		return data
	}
}

func withoutID(m map[string]any) map[string]any {
	_, hasID := m[IDField]
	shadow, hasShadow := m[ShadowedIDField]
	if !hasID && !hasShadow {
		return m
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if k != IDField && k != ShadowedIDField {
			out[k] = v
		}
	}
	if hasShadow {
		out[IDField] = shadow
	}
	return out
}
