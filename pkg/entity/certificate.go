package entity

import (
	"regexp"

	"github.com/wurt83ow/orgkeeper/pkg/logger"
)

const TableCertificates = "certificates"

// serials look like MBR-2024-0042
var serialRe = regexp.MustCompile(`^[A-Z]{2,5}-\d{4}-\d{3,6}$`)

func NewCertificates(log logger.LoggerInterface) Adapter {
	return newTableAdapter(Schema{
		Table: TableCertificates,
		Columns: []Column{
			{Name: "member_id", Kind: KindInt, Required: true},
			{Name: "serial", Kind: KindText, Required: true, Pattern: serialRe},
			{Name: "kind", Kind: KindText, Required: true, Enum: []string{"membership", "honorary", "training", "achievement"}},
			{Name: "issued_on", Kind: KindDate, Required: true},
		},
	}, log)
}
