package voucher

// maskCode keeps voucher codes out of the logs.
func maskCode(code string) string {
	if len(code) < 6 {
		return "***"
	}
	if len(code) < 12 {
		return code[:3] + "****" + code[len(code)-3:]
	}
	return code[:3] + "****" + code[len(code)-4:]
}
