package entity

import "github.com/wurt83ow/orgkeeper/pkg/logger"

const TableEvents = "events"

func NewEvents(log logger.LoggerInterface) Adapter {
	return newTableAdapter(Schema{
		Table: TableEvents,
		Columns: []Column{
			{Name: "title", Kind: KindText, Required: true},
			{Name: "starts_at", Kind: KindTimestamp, Required: true},
			{Name: "location", Kind: KindText},
			{Name: "description", Kind: KindText},
			{Name: "capacity", Kind: KindInt, NonNegative: true},
		},
	}, log)
}
