package market

// CheckBrackets evaluates a protective stop and target against one bar.
//
// A bar that opens beyond a level fills at the open. When the bar range
// touches both levels the stop wins, since the intrabar path is unknown.
func CheckBrackets(dir Direction, stopLoss, takeProfit float64, b Bar) (float64, ExitReason, bool) {
	switch dir {
	case Long:
		switch {
		case stopLoss > 0 && b.Open <= stopLoss:
			return b.Open, ExitStopLoss, true
		case takeProfit > 0 && b.Open >= takeProfit:
			return b.Open, ExitTakeProfit, true
		case stopLoss > 0 && b.Low <= stopLoss:
			return stopLoss, ExitStopLoss, true
		case takeProfit > 0 && b.High >= takeProfit:
			return takeProfit, ExitTakeProfit, true
		}
	case Short:
		switch {
		case stopLoss > 0 && b.Open >= stopLoss:
			return b.Open, ExitStopLoss, true
		case takeProfit > 0 && b.Open <= takeProfit:
			return b.Open, ExitTakeProfit, true
		case stopLoss > 0 && b.High >= stopLoss:
			return stopLoss, ExitStopLoss, true
		case takeProfit > 0 && b.Low <= takeProfit:
			return takeProfit, ExitTakeProfit, true
		}
	}
	return 0, "", false
}
