package feed

import (
	"encoding/json"
	"fmt"
	"strconv"

	"scalpbot-go/internal/signal"
)

// numeric accepts both string-encoded and bare JSON numbers; the gateway uses
// strings but test fixtures and other brokers use numbers. Empty means the
// field was absent from the frame.
type numeric string

func (n *numeric) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*n = numeric(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(b, &num); err != nil {
		return err
	}
	*n = numeric(num.String())
	return nil
}

// depthFrame mirrors the broker's snap-quote push payload.
type depthFrame struct {
	Token        string  `json:"tk"`
	LTP          numeric `json:"lp"`
	TotalBuyQty  numeric `json:"tbq"`
	TotalSellQty numeric `json:"tsq"`
	BuyQty1      numeric `json:"bq1"`
	BuyQty2      numeric `json:"bq2"`
	BuyQty3      numeric `json:"bq3"`
	BuyQty4      numeric `json:"bq4"`
	BuyQty5      numeric `json:"bq5"`
	SellQty1     numeric `json:"sq1"`
	SellQty2     numeric `json:"sq2"`
	SellQty3     numeric `json:"sq3"`
	SellQty4     numeric `json:"sq4"`
	SellQty5     numeric `json:"sq5"`
}

// parseDepthFrame validates that every depth field is present and numeric.
// Partial updates and non-depth frames fail validation and are dropped by the
// caller; dropping is non-fatal per the feed contract.
func parseDepthFrame(message []byte) (signal.DepthSnapshot, error) {
	var frame depthFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		return signal.DepthSnapshot{}, fmt.Errorf("decode depth frame: %w", err)
	}
	if frame.Token == "" {
		return signal.DepthSnapshot{}, fmt.Errorf("depth frame missing token")
	}

	snap := signal.DepthSnapshot{Token: frame.Token}

	ltp, err := floatField("lp", frame.LTP)
	if err != nil {
		return signal.DepthSnapshot{}, err
	}
	snap.LTP = ltp

	if snap.TotalBuyQty, err = intField("tbq", frame.TotalBuyQty); err != nil {
		return signal.DepthSnapshot{}, err
	}
	if snap.TotalSellQty, err = intField("tsq", frame.TotalSellQty); err != nil {
		return signal.DepthSnapshot{}, err
	}

	buyLevels := [signal.DepthLevels]numeric{frame.BuyQty1, frame.BuyQty2, frame.BuyQty3, frame.BuyQty4, frame.BuyQty5}
	sellLevels := [signal.DepthLevels]numeric{frame.SellQty1, frame.SellQty2, frame.SellQty3, frame.SellQty4, frame.SellQty5}
	for i := 0; i < signal.DepthLevels; i++ {
		if snap.BuyDepth[i], err = intField(fmt.Sprintf("bq%d", i+1), buyLevels[i]); err != nil {
			return signal.DepthSnapshot{}, err
		}
		if snap.SellDepth[i], err = intField(fmt.Sprintf("sq%d", i+1), sellLevels[i]); err != nil {
			return signal.DepthSnapshot{}, err
		}
	}
	return snap, nil
}

func floatField(name string, n numeric) (float64, error) {
	if n == "" {
		return 0, fmt.Errorf("depth frame missing %s", name)
	}
	v, err := strconv.ParseFloat(string(n), 64)
	if err != nil {
		return 0, fmt.Errorf("depth frame field %s: %w", name, err)
	}
	return v, nil
}

func intField(name string, n numeric) (int64, error) {
	if n == "" {
		return 0, fmt.Errorf("depth frame missing %s", name)
	}
	v, err := strconv.ParseInt(string(n), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("depth frame field %s: %w", name, err)
	}
	return v, nil
}
