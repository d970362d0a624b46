package app

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/cascadepool/payoutbot/internal/domain"
)

// Command names one operation of the payout bot. The set is closed: every
// invocation runs exactly one of these and anything else is rejected before
// any dependency is wired.
type Command string

const (
	CmdPullPayouts          Command = "pull_payouts"
	CmdSendPayout           Command = "send_payout"
	CmdAssociate            Command = "associate"
	CmdAssociateAll         Command = "associate_all"
	CmdConfirmTrans         Command = "confirm_trans"
	CmdGetOpenTradeRequests Command = "get_open_trade_requests"
	CmdCloseTradeRequest    Command = "close_trade_request"
	CmdCloseSellRequests    Command = "close_sell_requests"
	CmdCloseBuyRequests     Command = "close_buy_requests"
	CmdResetLocked          Command = "reset_locked"
	CmdLocalAssociate       Command = "local_associate"
	CmdDumpIncomplete       Command = "dump_incomplete"
	CmdArchive              Command = "archive"
	CmdMigrate              Command = "migrate"
	CmdRun                  Command = "run"
)

// Commands returns every valid command in a stable order.
func Commands() []Command {
	return []Command{
		CmdPullPayouts,
		CmdSendPayout,
		CmdAssociate,
		CmdAssociateAll,
		CmdConfirmTrans,
		CmdGetOpenTradeRequests,
		CmdCloseTradeRequest,
		CmdCloseSellRequests,
		CmdCloseBuyRequests,
		CmdResetLocked,
		CmdLocalAssociate,
		CmdDumpIncomplete,
		CmdArchive,
		CmdMigrate,
		CmdRun,
	}
}

// ParseCommand maps an operator-supplied command name onto the closed set.
func ParseCommand(s string) (Command, error) {
	cmd := Command(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Commands() {
		if cmd == known {
			return cmd, nil
		}
	}
	names := make([]string, 0, len(Commands()))
	for _, known := range Commands() {
		names = append(names, string(known))
	}
	return "", fmt.Errorf("unknown command %q, valid commands: %s", s, strings.Join(names, ", "))
}

// Args carries the per-invocation flag values a command may need. Optional
// numeric flags stay nil when the operator did not pass them, so handlers can
// tell "not given" apart from zero.
type Args struct {
	Currency string
	ID       string
	TxID     string
	Amount   *decimal.Decimal
	Fees     *decimal.Decimal
	Range    *domain.IDRange
}

// NeedsCurrency reports whether the command operates on a single currency and
// therefore requires the -currency flag. The daemon derives its currencies
// from configuration instead.
func (c Command) NeedsCurrency() bool {
	switch c {
	case CmdRun, CmdMigrate, CmdArchive:
		return false
	default:
		return true
	}
}
