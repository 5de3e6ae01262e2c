package venue

import (
	"strconv"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	"github.com/shopspring/decimal"

	"github.com/atmx/reconciler/internal/model"
)

// The venue sends numbers as text or as JSON numbers, ids as either, and
// sometimes omits fields. Every accessor below coerces a missing or
// malformed field to its zero value so one bad field cannot fail a batch.

// unwrapEnvelope extracts the data member of {success, data, timestamp}.
// A body without an envelope is treated as the data itself.
func unwrapEnvelope(body []byte, endpoint string) ([]byte, jsonparser.ValueType, error) {
	if ok, err := jsonparser.GetBoolean(body, "success"); err == nil && !ok {
		msg := fieldString(body, "message")
		if msg == "" {
			msg = fieldString(body, "msg")
		}
		return nil, jsonparser.NotExist, &APIError{StatusCode: 200, Message: msg, Endpoint: endpoint}
	}

	if data, typ, _, err := jsonparser.Get(body, "data"); err == nil {
		return data, typ, nil
	}
	// Bare payload without an envelope.
	data, typ, _, err := jsonparser.Get(body)
	if err != nil {
		return nil, jsonparser.NotExist, nil
	}
	return data, typ, nil
}

// eachObject calls fn for every object element of an array payload.
// Anything that is not an array yields no records.
func eachObject(data []byte, typ jsonparser.ValueType, fn func(rec []byte)) {
	if typ != jsonparser.Array {
		return
	}
	_, _ = jsonparser.ArrayEach(data, func(value []byte, vt jsonparser.ValueType, _ int, err error) {
		if err != nil || vt != jsonparser.Object {
			return
		}
		fn(value)
	})
}

func fieldString(rec []byte, key string) string {
	v, typ, _, err := jsonparser.Get(rec, key)
	if err != nil {
		return ""
	}
	switch typ {
	case jsonparser.String:
		s, err := jsonparser.ParseString(v)
		if err != nil {
			return ""
		}
		return s
	case jsonparser.Number, jsonparser.Boolean:
		return string(v)
	default:
		return ""
	}
}

func fieldAmount(rec []byte, key string) decimal.Decimal {
	return model.ParseAmount(fieldString(rec, key))
}

func fieldInt(rec []byte, key string) (int64, bool) {
	s := fieldString(rec, key)
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		// Some payloads render ids as floats ("1.23e+05").
		d, derr := decimal.NewFromString(s)
		if derr != nil || !d.Equal(d.Truncate(0)) {
			return 0, false
		}
		return d.IntPart(), true
	}
	return n, true
}

func fieldBool(rec []byte, key string) bool {
	v, typ, _, err := jsonparser.Get(rec, key)
	if err != nil {
		return false
	}
	switch typ {
	case jsonparser.Boolean:
		b, _ := jsonparser.ParseBoolean(v)
		return b
	case jsonparser.String:
		return strings.EqualFold(string(v), "true")
	default:
		return false
	}
}

func fieldMillis(rec []byte, key string) time.Time {
	ms, ok := fieldInt(rec, key)
	if !ok || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// decodeFills returns the fills of a trade-history payload. Records without
// a positive id are dropped since they cannot be placed on the cursor.
func decodeFills(data []byte, typ jsonparser.ValueType, symbol string) []model.Fill {
	fills := []model.Fill{}
	eachObject(data, typ, func(rec []byte) {
		id, ok := fieldInt(rec, "id")
		if !ok || id <= 0 {
			return
		}
		f := model.Fill{
			VenueTradeID:    id,
			OrderID:         fieldString(rec, "orderId"),
			Symbol:          fieldString(rec, "symbol"),
			Side:            strings.ToUpper(fieldString(rec, "side")),
			Price:           fieldAmount(rec, "price"),
			Qty:             fieldAmount(rec, "qty"),
			QuoteQty:        fieldAmount(rec, "quoteQty"),
			RealizedPnl:     fieldAmount(rec, "realizedPnl"),
			Commission:      fieldAmount(rec, "commission"),
			CommissionAsset: fieldString(rec, "commissionAsset"),
			MarginAsset:     fieldString(rec, "marginAsset"),
			PositionSide:    fieldString(rec, "positionSide"),
			Buyer:           fieldBool(rec, "buyer"),
			Maker:           fieldBool(rec, "maker"),
			Time:            fieldMillis(rec, "time"),
		}
		if f.Symbol == "" {
			f.Symbol = symbol
		}
		fills = append(fills, f)
	})
	return fills
}

func decodeOrderEvents(data []byte, typ jsonparser.ValueType, symbol string) []model.OrderEvent {
	events := []model.OrderEvent{}
	eachObject(data, typ, func(rec []byte) {
		id, ok := fieldInt(rec, "orderId")
		if !ok || id <= 0 {
			return
		}
		e := model.OrderEvent{
			OrderID:       id,
			ClientOrderID: fieldString(rec, "clientOrderId"),
			Symbol:        fieldString(rec, "symbol"),
			Status:        fieldString(rec, "status"),
			Side:          strings.ToUpper(fieldString(rec, "side")),
			Type:          fieldString(rec, "type"),
			OrigType:      fieldString(rec, "origType"),
			TimeInForce:   fieldString(rec, "timeInForce"),
			PositionSide:  fieldString(rec, "positionSide"),
			WorkingType:   fieldString(rec, "workingType"),
			Price:         fieldAmount(rec, "price"),
			AvgPrice:      fieldAmount(rec, "avgPrice"),
			OrigQty:       fieldAmount(rec, "origQty"),
			ExecutedQty:   fieldAmount(rec, "executedQty"),
			CumQuote:      fieldAmount(rec, "cumQuote"),
			StopPrice:     fieldAmount(rec, "stopPrice"),
			ReduceOnly:    fieldBool(rec, "reduceOnly"),
			ClosePosition: fieldBool(rec, "closePosition"),
			PriceProtect:  fieldBool(rec, "priceProtect"),
			Time:          fieldMillis(rec, "time"),
			UpdateTime:    fieldMillis(rec, "updateTime"),
		}
		if e.Symbol == "" {
			e.Symbol = symbol
		}
		events = append(events, e)
	})
	return events
}

func decodePositions(data []byte, typ jsonparser.ValueType) []model.LivePosition {
	positions := []model.LivePosition{}
	eachObject(data, typ, func(rec []byte) {
		symbol := fieldString(rec, "symbol")
		if symbol == "" {
			return
		}
		positions = append(positions, model.LivePosition{
			Symbol:           symbol,
			PositionSide:     fieldString(rec, "positionSide"),
			PositionAmt:      fieldAmount(rec, "positionAmt"),
			EntryPrice:       fieldAmount(rec, "entryPrice"),
			MarkPrice:        fieldAmount(rec, "markPrice"),
			UnrealizedPnl:    fieldAmount(rec, "unRealizedProfit"),
			Leverage:         fieldAmount(rec, "leverage"),
			LiquidationPrice: fieldAmount(rec, "liquidationPrice"),
			Notional:         fieldAmount(rec, "notional"),
			MarginType:       fieldString(rec, "marginType"),
			UpdateTime:       fieldMillis(rec, "updateTime"),
		})
	})
	return positions
}

func decodeOpenOrders(data []byte, typ jsonparser.ValueType) []model.RestingOrder {
	orders := []model.RestingOrder{}
	eachObject(data, typ, func(rec []byte) {
		id, _ := fieldInt(rec, "orderId")
		orders = append(orders, model.RestingOrder{
			OrderID:       id,
			Symbol:        fieldString(rec, "symbol"),
			Status:        fieldString(rec, "status"),
			Type:          fieldString(rec, "type"),
			Side:          strings.ToUpper(fieldString(rec, "side")),
			PositionSide:  fieldString(rec, "positionSide"),
			Price:         fieldAmount(rec, "price"),
			StopPrice:     fieldAmount(rec, "stopPrice"),
			OrigQty:       fieldAmount(rec, "origQty"),
			ReduceOnly:    fieldBool(rec, "reduceOnly"),
			ClosePosition: fieldBool(rec, "closePosition"),
			Time:          fieldMillis(rec, "time"),
		})
	})
	return orders
}

func decodeBalance(data []byte, typ jsonparser.ValueType) model.Balance {
	if typ != jsonparser.Object {
		return model.Balance{}
	}
	return model.Balance{
		Available:     fieldAmount(data, "availableBalance"),
		TotalWallet:   fieldAmount(data, "totalWalletBalance"),
		TotalMargin:   fieldAmount(data, "totalMarginBalance"),
		UnrealizedPnl: fieldAmount(data, "totalUnrealizedProfit"),
	}
}
