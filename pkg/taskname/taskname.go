package taskname

const (
	// Referral tasks
	ReferralCredit = "referral:credit"
)
