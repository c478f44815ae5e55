package core

import (
	"github.com/google/uuid"
	"pkt.systems/tabkeeper/schema"
)

func newTabID() schema.TabID {
	id, err := uuid.NewV7()
	if err != nil {
		return schema.TabID(uuid.NewString())
	}
	return schema.TabID(id.String())
}

func newDecisionID() schema.DecisionID {
	return schema.DecisionID(uuid.NewString())
}
