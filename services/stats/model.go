package stats

import "time"

// Snapshot is one aggregation over the CMS store.
type Snapshot struct {
	TotalSilk                 int64         `json:"total_silk"`
	TotalPremiumSilk          int64         `json:"total_premium_silk"`
	TotalPointSilk            int64         `json:"total_point_silk"`
	AccountsWithBalance       int64         `json:"accounts_with_balance"`
	VIPAccounts               int64         `json:"vip_accounts"`
	TotalDonationsUSDCents    int64         `json:"total_donations_usd_cents"`
	DonationCount             int64         `json:"donation_count"`
	VoteCount                 int64         `json:"vote_count"`
	OutstandingReferralPoints int64         `json:"outstanding_referral_points"`
	ActiveVouchers            int64         `json:"active_vouchers"`
	LastCalculated            time.Time     `json:"last_calculated"`
	CalculationDuration       time.Duration `json:"calculation_duration_ns"`
}
