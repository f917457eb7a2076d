package httpapi

import (
	"time"

	"github.com/clusterfabric/plb/internal/store"
)

func timeNow() time.Time { return time.Now() }

func storeLoadUpdate(req loadReportRequest) store.LoadUpdate {
	return store.LoadUpdate{
		PartitionID:          req.PartitionID,
		ServiceName:          req.ServiceName,
		Metric:               req.Metric,
		PrimaryLoad:          req.PrimaryLoad,
		SecondaryLoadsByNode: req.SecondaryLoadsByNode,
	}
}
