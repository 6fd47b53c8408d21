package smartconnect

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"marketdata-engine/internal/apperr"
)

// ScripRecord is one row of the public scrip master. The broker sends every
// field as a string; strike is in paise for derivatives.
type ScripRecord struct {
	Token          string `json:"token"`
	Symbol         string `json:"symbol"`
	Name           string `json:"name"`
	Expiry         string `json:"expiry"`
	Strike         string `json:"strike"`
	LotSize        string `json:"lotsize"`
	InstrumentType string `json:"instrumenttype"`
	ExchSeg        string `json:"exch_seg"`
	TickSize       string `json:"tick_size"`
}

// DownloadScripMaster fetches the full instrument list. Only a completely
// decoded JSON array is returned; anything else is UpstreamMalformed.
// The endpoint is public, so no auth token is sent.
func (sc *SmartConnect) DownloadScripMaster(ctx context.Context) ([]ScripRecord, error) {
	const op = "smartconnect.DownloadScripMaster"

	ctx, cancel := context.WithTimeout(ctx, sc.masterTimeout)
	defer cancel()

	if err := sc.sem.Acquire(ctx, 1); err != nil {
		return nil, classifyTransport(op, err)
	}
	defer sc.sem.Release(1)

	start := time.Now()
	records, err := sc.downloadScripMaster(ctx, op)
	if sc.observe != nil {
		sc.observe("scrip.master", time.Since(start), err)
	}
	return records, err
}

func (sc *SmartConnect) downloadScripMaster(ctx context.Context, op string) ([]ScripRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sc.scripMasterURL, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.UpstreamUnavailable, op, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := sc.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.New(apperr.UpstreamUnavailable, op, fmt.Sprintf("scrip master returned HTTP %d", resp.StatusCode))
	}

	var records []ScripRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		if ctx.Err() != nil {
			return nil, classifyTransport(op, ctx.Err())
		}
		return nil, apperr.Wrapf(apperr.UpstreamMalformed, op, err, "scrip master is not a JSON array of instruments")
	}
	sc.log.Info("scrip master downloaded", "records", len(records))
	return records, nil
}
