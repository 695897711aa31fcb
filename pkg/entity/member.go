package entity

import (
	"regexp"

	"github.com/wurt83ow/orgkeeper/pkg/logger"
)

const TableMembers = "members"

var emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

func NewMembers(log logger.LoggerInterface) Adapter {
	return newTableAdapter(Schema{
		Table: TableMembers,
		Columns: []Column{
			{Name: "first_name", Kind: KindText, Required: true},
			{Name: "last_name", Kind: KindText, Required: true},
			{Name: "email", Kind: KindText, Pattern: emailRe},
			{Name: "phone", Kind: KindText},
			{Name: "address", Kind: KindText},
			{Name: "joined_on", Kind: KindDate},
			{Name: "status", Kind: KindText, Default: "active", Enum: []string{"active", "inactive", "suspended"}},
		},
	}, log)
}
