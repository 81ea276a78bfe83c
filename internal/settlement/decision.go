package settlement

// ComplianceReserve is the available balance, in minor units, that a
// ledger-funded settlement must leave behind.
const ComplianceReserve int64 = 50_000

type Path string

const (
	PathLedger  Path = "LEDGER"
	PathInvoice Path = "INVOICE"
)

// Decide picks the ledger when the charge leaves at least ComplianceReserve
// available, and the external invoice otherwise.
func Decide(available, charge int64) Path {
	if available-charge >= ComplianceReserve {
		return PathLedger
	}
	return PathInvoice
}
