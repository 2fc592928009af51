package event

// Metadata carries causal and audit linkage for an event. The store persists it
// verbatim and never interprets it.
type Metadata struct {
	ActorID       string `json:"actor_id,omitempty"       bson:"actor_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty" bson:"correlation_id,omitempty"`
	CausationID   string `json:"causation_id,omitempty"   bson:"causation_id,omitempty"`
}

// NewMetadata creates metadata
func NewMetadata(actorID, correlationID, causationID string) Metadata {
	return Metadata{
		ActorID:       actorID,
		CorrelationID: correlationID,
		CausationID:   causationID,
	}
}

// IsZero reports whether no field is set.
func (m Metadata) IsZero() bool {
	return m == Metadata{}
}

// CausedBy returns metadata for an event caused by the given one: the
// correlation id is inherited and the causation id points at the cause.
func (m Metadata) CausedBy(cause StoredEvent) Metadata {
	m.CorrelationID = cause.Metadata.CorrelationID
	if m.CorrelationID == "" {
		m.CorrelationID = cause.Key()
	}
	m.CausationID = cause.Key()
	return m
}
