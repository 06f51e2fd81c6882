package archival

import (
	"database/sql"
	"strconv"
)

func scanPosition(rows *sql.Rows) (string, map[string]any, error) {
	var rowid int64
	var userID, venue, symbol, side, entryTime, strategyID string
	var quantity, entryPrice, stopLoss, takeProfit, markPrice, unrealizedPnL float64
	if err := rows.Scan(&rowid, &userID, &venue, &symbol, &side, &quantity, &entryPrice, &entryTime,
		&stopLoss, &takeProfit, &markPrice, &unrealizedPnL, &strategyID); err != nil {
		return "", nil, err
	}
	return itoa(rowid), map[string]any{
		"userId": userID, "venue": venue, "symbol": symbol, "side": side,
		"quantity": quantity, "entryPrice": entryPrice, "entryTime": entryTime,
		"stopLossPrice": stopLoss, "takeProfitPrice": takeProfit,
		"markPrice": markPrice, "unrealizedPnlUsd": unrealizedPnL, "strategyId": strategyID,
	}, nil
}

func scanCompletedTrade(rows *sql.Rows) (string, map[string]any, error) {
	var rowid int64
	var id, userID, venue, symbol, side, entryTime, exitTime, exitReason, strategyID string
	var quantity, entryPrice, exitPrice, realizedPnL, realizedPct float64
	if err := rows.Scan(&rowid, &id, &userID, &venue, &symbol, &side, &quantity, &entryPrice, &entryTime,
		&exitPrice, &exitTime, &exitReason, &realizedPnL, &realizedPct, &strategyID); err != nil {
		return "", nil, err
	}
	return itoa(rowid), map[string]any{
		"id": id, "userId": userID, "venue": venue, "symbol": symbol, "side": side,
		"quantity": quantity, "entryPrice": entryPrice, "entryTime": entryTime,
		"exitPrice": exitPrice, "exitTime": exitTime, "exitReason": exitReason,
		"realizedPnlUsd": realizedPnL, "realizedPnlPct": realizedPct, "strategyId": strategyID,
	}, nil
}

func scanCopiedTrade(rows *sql.Rows) (string, map[string]any, error) {
	var rowid int64
	var id, relationshipID, originatorTradeID, followerTradeID, symbol, side string
	var originatorNotional, followerNotional float64
	if err := rows.Scan(&rowid, &id, &relationshipID, &originatorTradeID, &followerTradeID,
		&symbol, &side, &originatorNotional, &followerNotional); err != nil {
		return "", nil, err
	}
	return itoa(rowid), map[string]any{
		"id": id, "copyRelationshipId": relationshipID, "originatorTradeId": originatorTradeID,
		"followerTradeId": followerTradeID, "symbol": symbol, "side": side,
		"originatorNotionalUsd": originatorNotional, "followerNotionalUsd": followerNotional,
	}, nil
}

func scanDecisionLog(rows *sql.Rows) (string, map[string]any, error) {
	var rowid int64
	var id, strategyID, timestamp, inputsSummary, reasons string
	var confidence, threshold float64
	var allowed, executionRan int
	if err := rows.Scan(&rowid, &id, &strategyID, &timestamp, &inputsSummary, &confidence, &threshold,
		&reasons, &allowed, &executionRan); err != nil {
		return "", nil, err
	}
	return itoa(rowid), map[string]any{
		"id": id, "strategyId": strategyID, "timestamp": timestamp, "inputsSummary": inputsSummary,
		"confidence": confidence, "threshold": threshold, "reasons": reasons,
		"allowed": allowed != 0, "executionRan": executionRan != 0,
	}, nil
}

func scanNotification(rows *sql.Rows) (string, map[string]any, error) {
	var rowid int64
	var id, userID, kind, message, createdAt string
	if err := rows.Scan(&rowid, &id, &userID, &kind, &message, &createdAt); err != nil {
		return "", nil, err
	}
	return itoa(rowid), map[string]any{
		"id": id, "userId": userID, "kind": kind, "message": message, "createdAt": createdAt,
	}, nil
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
