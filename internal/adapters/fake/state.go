package fake

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/mt5desk/internal/domain/account"
	"github.com/coachpo/mt5desk/internal/domain/schema"
)

type mt5Account struct {
	record           schema.LoginRecord
	investorPassword string
}

type accountBook struct {
	accounts  []*mt5Account
	byLogin   map[string]*mt5Account
	nextLogin int
}

func newAccountBook(seed []schema.LoginRecord) *accountBook {
	book := &accountBook{byLogin: make(map[string]*mt5Account), nextLogin: firstLogin}
	for _, rec := range seed {
		book.add(rec)
	}
	return book
}

func (b *accountBook) add(rec schema.LoginRecord) *mt5Account {
	acc := &mt5Account{record: rec}
	b.accounts = append(b.accounts, acc)
	if rec.Login != "" {
		b.byLogin[rec.Login] = acc
	}
	if n := loginNumber(rec.Login); n >= b.nextLogin {
		b.nextLogin = n + 1
	}
	return acc
}

func (b *accountBook) find(login string) (*mt5Account, bool) {
	acc, ok := b.byLogin[strings.TrimSpace(login)]
	if !ok || acc.record.IsError() {
		return nil, false
	}
	return acc, true
}

func (b *accountBook) records() []schema.LoginRecord {
	out := make([]schema.LoginRecord, 0, len(b.accounts))
	for _, acc := range b.accounts {
		out = append(out, acc.record)
	}
	return out
}

// serverUsed reports whether an account of the same type already lives on the server.
func (b *accountBook) serverUsed(key account.Key, server string) bool {
	for _, acc := range b.accounts {
		rec := acc.record
		if rec.IsError() || rec.Server != server {
			continue
		}
		market, _ := account.ParseMarket(rec.MarketType)
		sub, _ := account.ParseSubType(rec.SubAccountType)
		if rec.AccountType == string(key.Ownership) && market == key.Market && sub == key.SubType {
			return true
		}
	}
	return false
}

func (b *accountBook) issueLogin(ownership account.Ownership) string {
	prefix := "MTR"
	if ownership == account.Demo {
		prefix = "MTD"
	}
	login := prefix + strconv.Itoa(b.nextLogin)
	b.nextLogin++
	return login
}

func loginNumber(login string) int {
	digits := strings.TrimLeft(strings.ToUpper(login), "MTRD")
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0
	}
	return n
}

func (a *mt5Account) credit(amount decimal.Decimal) {
	a.record.Balance = a.record.Balance.Add(amount)
}
