package entity

import "github.com/wurt83ow/orgkeeper/pkg/logger"

const TableStaff = "staff"

func NewStaff(log logger.LoggerInterface) Adapter {
	return newTableAdapter(Schema{
		Table: TableStaff,
		Columns: []Column{
			{Name: "full_name", Kind: KindText, Required: true},
			{Name: "role", Kind: KindText, Required: true},
			{Name: "phone", Kind: KindText},
			{Name: "email", Kind: KindText, Pattern: emailRe},
			{Name: "hired_on", Kind: KindDate},
			{Name: "salary", Kind: KindReal, NonNegative: true},
		},
	}, log)
}
