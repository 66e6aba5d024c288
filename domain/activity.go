package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
	SecurityContext        = "https://w3id.org/security/v1"
	PublicCollection       = "https://www.w3.org/ns/activitystreams#Public"
)

// ErrMalformedActivity is returned when a document lacks the minimal shape
// every activity must have.
var ErrMalformedActivity = errors.New("malformed activity")

type Kind string

const (
	KindFollow  Kind = "Follow"
	KindUndo    Kind = "Undo"
	KindCreate  Kind = "Create"
	KindAccept  Kind = "Accept"
	KindReject  Kind = "Reject"
	KindMove    Kind = "Move"
	KindDelete  Kind = "Delete"
	KindUnknown Kind = "Unknown"
)

// Audience is a list of URIs that arrives as a single value or an array,
// where each value is a URI or an object carrying an id (attributedTo of
// PeerTube and friends). Objects without an id are skipped.
type Audience []string

func (a *Audience) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*a = nil
		return nil
	}
	var values []json.RawMessage
	if data[0] == '[' {
		if err := json.Unmarshal(data, &values); err != nil {
			return err
		}
	} else {
		values = []json.RawMessage{data}
	}

	out := make(Audience, 0, len(values))
	for _, v := range values {
		ref, isObject := ObjectRef(v)
		if ref == "" {
			if !isObject && !bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
				return fmt.Errorf("audience entry %s is neither a URI nor an object", v)
			}
			continue
		}
		out = append(out, ref)
	}
	*a = out
	return nil
}

func (a Audience) Contains(uri string) bool {
	for _, v := range a {
		if v == uri {
			return true
		}
	}
	return false
}

// IsPublicAddress matches every spelling of the public collection in use.
func IsPublicAddress(uri string) bool {
	return uri == PublicCollection || uri == "as:Public" || uri == "Public"
}

// Envelope holds the fields shared by every activity kind.
type Envelope struct {
	ID        string          `json:"id,omitempty"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor"`
	Object    json.RawMessage `json:"object,omitempty"`
	Target    json.RawMessage `json:"target,omitempty"`
	To        Audience        `json:"to,omitempty"`
	Cc        Audience        `json:"cc,omitempty"`
	Published string          `json:"published,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Public reports whether the activity is addressed to the public collection.
func (e *Envelope) Public() bool {
	for _, a := range append(append(Audience{}, e.To...), e.Cc...) {
		if IsPublicAddress(a) {
			return true
		}
	}
	return false
}

// Recipients returns to and cc in order.
func (e *Envelope) Recipients() []string {
	out := make([]string, 0, len(e.To)+len(e.Cc))
	out = append(out, e.To...)
	return append(out, e.Cc...)
}

// Object is the embedded object of a Create.
type Object struct {
	ID           string   `json:"id,omitempty"`
	Type         string   `json:"type"`
	AttributedTo Audience `json:"attributedTo,omitempty"`
	Published    string   `json:"published,omitempty"`
	Content      string   `json:"content,omitempty"`
	To           Audience `json:"to,omitempty"`
	Cc           Audience `json:"cc,omitempty"`
}

// Activity is the closed set of activity kinds the engine understands.
// Anything else decodes to Unknown so it can be stored rather than dropped.
type Activity interface {
	Kind() Kind
	Base() *Envelope
	sealed()
}

type Follow struct {
	Envelope
	TargetURL string
}

type Undo struct {
	Envelope
	Inner    Activity // nil when the object is only a reference
	InnerRef string
}

type Create struct {
	Envelope
	Object    *Object // nil when the object is only a reference
	ObjectRef string
}

type Accept struct {
	Envelope
	Inner    Activity
	InnerRef string
}

type Reject struct {
	Envelope
	Inner    Activity
	InnerRef string
}

type Move struct {
	Envelope
	Origin string
}

type Delete struct {
	Envelope
	ObjectRef string
}

type Unknown struct {
	Envelope
}

func (a *Follow) Kind() Kind  { return KindFollow }
func (a *Undo) Kind() Kind    { return KindUndo }
func (a *Create) Kind() Kind  { return KindCreate }
func (a *Accept) Kind() Kind  { return KindAccept }
func (a *Reject) Kind() Kind  { return KindReject }
func (a *Move) Kind() Kind    { return KindMove }
func (a *Delete) Kind() Kind  { return KindDelete }
func (a *Unknown) Kind() Kind { return KindUnknown }

func (a *Follow) Base() *Envelope  { return &a.Envelope }
func (a *Undo) Base() *Envelope    { return &a.Envelope }
func (a *Create) Base() *Envelope  { return &a.Envelope }
func (a *Accept) Base() *Envelope  { return &a.Envelope }
func (a *Reject) Base() *Envelope  { return &a.Envelope }
func (a *Move) Base() *Envelope    { return &a.Envelope }
func (a *Delete) Base() *Envelope  { return &a.Envelope }
func (a *Unknown) Base() *Envelope { return &a.Envelope }

func (*Follow) sealed()  {}
func (*Undo) sealed()    {}
func (*Create) sealed()  {}
func (*Accept) sealed()  {}
func (*Reject) sealed()  {}
func (*Move) sealed()    {}
func (*Delete) sealed()  {}
func (*Unknown) sealed() {}

// ParseActivity decodes a received document. Only type and actor are
// required; the object shape is checked per kind.
func ParseActivity(body []byte) (Activity, error) {
	act, err := parse(body, true)
	if err != nil {
		return nil, err
	}
	return act, nil
}

func parse(body []byte, requireActor bool) (Activity, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedActivity, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedActivity)
	}
	if requireActor && env.Actor == "" {
		return nil, fmt.Errorf("%w: missing actor", ErrMalformedActivity)
	}
	env.Raw = append(json.RawMessage(nil), body...)

	switch Kind(env.Type) {
	case KindFollow:
		ref, _ := ObjectRef(env.Object)
		if ref == "" {
			return nil, fmt.Errorf("%w: follow without object", ErrMalformedActivity)
		}
		return &Follow{Envelope: env, TargetURL: ref}, nil
	case KindUndo:
		inner, ref := parseInner(env.Object)
		return &Undo{Envelope: env, Inner: inner, InnerRef: ref}, nil
	case KindAccept:
		inner, ref := parseInner(env.Object)
		return &Accept{Envelope: env, Inner: inner, InnerRef: ref}, nil
	case KindReject:
		inner, ref := parseInner(env.Object)
		return &Reject{Envelope: env, Inner: inner, InnerRef: ref}, nil
	case KindCreate:
		ref, isObject := ObjectRef(env.Object)
		c := &Create{Envelope: env, ObjectRef: ref}
		if isObject {
			// an object we cannot type is still stored verbatim through Raw
			var obj Object
			if err := json.Unmarshal(env.Object, &obj); err == nil {
				c.Object = &obj
			}
		}
		return c, nil
	case KindMove:
		ref, _ := ObjectRef(env.Object)
		return &Move{Envelope: env, Origin: ref}, nil
	case KindDelete:
		ref, _ := ObjectRef(env.Object)
		return &Delete{Envelope: env, ObjectRef: ref}, nil
	default:
		return &Unknown{Envelope: env}, nil
	}
}

// parseInner decodes the object of Undo/Accept/Reject. A bare URI yields a
// nil activity and the reference.
func parseInner(raw json.RawMessage) (Activity, string) {
	ref, isObject := ObjectRef(raw)
	if !isObject {
		return nil, ref
	}
	inner, err := parse(raw, false)
	if err != nil {
		return nil, ref
	}
	return inner, ref
}

// ObjectRef extracts the id of an object that is either a bare URI or an
// embedded document. isObject is true for embedded documents.
func ObjectRef(raw json.RawMessage) (ref string, isObject bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", false
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s, false
		}
	case '{':
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &obj); err == nil {
			return obj.ID, true
		}
		return "", true
	}
	return "", false
}

// ObjectType returns the type of an embedded object, if any.
func ObjectType(raw json.RawMessage) string {
	var obj struct {
		Type string `json:"type"`
	}
	if _, isObject := ObjectRef(raw); !isObject {
		return ""
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	return obj.Type
}
