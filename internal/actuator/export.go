package actuator

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"vivarium/internal/models"
)

// writeHistoryCSV отдаёт историю файлом: одна строка на запись,
// порядок тот же, что в JSON-варианте (от старых к новым).
func writeHistoryCSV(w http.ResponseWriter, actuatorUUID string, events []models.ActuationEvent) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=feeder-history-%s.csv", actuatorUUID))

	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"timestamp", "status", "portion_size", "hold_ms", "message"})
	for _, ev := range events {
		_ = cw.Write([]string{
			ev.Timestamp.Format(time.RFC3339),
			ev.Status,
			strconv.FormatFloat(ev.PortionSize, 'f', -1, 64),
			strconv.Itoa(ev.HoldMs),
			ev.Message,
		})
	}
	cw.Flush()
}
