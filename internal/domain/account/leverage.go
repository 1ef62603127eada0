package account

// LandingCompanyMaltaInvest is the EU landing company with restricted leverage.
const LandingCompanyMaltaInvest = "maltainvest"

// Leverage returns the account leverage for the market, sub-account type and landing company.
// Synthetic is 500; financial is 1000, unless maltainvest then 30; financial STP is 100.
func Leverage(market Market, sub SubType, landingCompanyShort string) int {
	if market == Gaming {
		return 500
	}
	switch sub {
	case SubFinancial:
		if landingCompanyShort == LandingCompanyMaltaInvest {
			return 30
		}
		return 1000
	case SubFinancialSTP:
		return 100
	default:
		return 0
	}
}
