package entity

import (
	"errors"
	"regexp"

	"github.com/wurt83ow/orgkeeper/pkg/logger"
	"github.com/wurt83ow/orgkeeper/pkg/models"
)

const (
	TableIncomes        = "incomes"
	TableExpenses       = "expenses"
	TableDueCollections = "due_collections"
)

var periodRe = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

func NewIncomes(log logger.LoggerInterface) Adapter {
	return newTableAdapter(Schema{
		Table: TableIncomes,
		Columns: []Column{
			{Name: "member_id", Kind: KindInt},
			{Name: "category", Kind: KindText, Required: true},
			{Name: "amount", Kind: KindReal, Required: true, NonNegative: true},
			{Name: "received_on", Kind: KindDate, Required: true},
			{Name: "description", Kind: KindText},
		},
	}, log)
}

func NewExpenses(log logger.LoggerInterface) Adapter {
	return newTableAdapter(Schema{
		Table: TableExpenses,
		Columns: []Column{
			{Name: "category", Kind: KindText, Required: true},
			{Name: "amount", Kind: KindReal, Required: true, NonNegative: true},
			{Name: "paid_on", Kind: KindDate, Required: true},
			{Name: "payee", Kind: KindText},
			{Name: "description", Kind: KindText},
		},
	}, log)
}

// NewDueCollections tracks the periodic dues of each member. A paid due must
// say when it was collected.
func NewDueCollections(log logger.LoggerInterface) Adapter {
	return newTableAdapter(Schema{
		Table: TableDueCollections,
		Columns: []Column{
			{Name: "member_id", Kind: KindInt, Required: true},
			{Name: "period", Kind: KindText, Required: true, Pattern: periodRe},
			{Name: "amount", Kind: KindReal, Required: true, NonNegative: true},
			{Name: "collected_on", Kind: KindDate},
			{Name: "status", Kind: KindText, Default: "due", Enum: []string{"due", "paid", "waived"}},
		},
		Check: func(rec models.Record) error {
			if rec["status"] == "paid" && rec["collected_on"] == nil {
				return errors.New("paid due without collected_on")
			}
			return nil
		},
	}, log)
}
