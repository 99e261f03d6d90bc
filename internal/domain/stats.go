package domain

// StatusCount is the number of clients currently reporting a status.
type StatusCount struct {
	Status string
	Count  int64
}

// Statistics summarises the fleet at query time.
type Statistics struct {
	TotalClients                int64
	ClientsByStatus             []StatusCount
	ActiveLastHour              int64
	AvgCompletedDurationSeconds *float64
}
