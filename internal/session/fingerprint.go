package session

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/dyike/CortexFlow/consts"
	"github.com/dyike/CortexFlow/internal/models"
)

// Fingerprint hashes the request fields that determine session identity.
// Two requests with the same fingerprint would produce the same analysis,
// so at most one may run at a time.
func Fingerprint(req models.StartRequest) string {
	usePlanner := true
	if req.UsePlanner != nil {
		usePlanner = *req.UsePlanner
	}
	parts := []string{
		strings.ToUpper(strings.TrimSpace(req.Symbol)),
		req.TradeDate,
		string(req.Market),
		string(req.AnalysisLevel),
		joinSorted(req.SelectedAnalysts),
		joinSorted(req.ExcludeAnalysts),
		fmt.Sprintf("planner=%t", usePlanner),
		fmt.Sprintf("debate=%d", req.MaxDebateRounds),
		fmt.Sprintf("risk=%d", req.MaxRiskRounds),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:16])
}

func joinSorted(kinds []consts.AnalystKind) string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}
