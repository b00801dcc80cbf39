package ports

import (
	"context"

	"github.com/alejandrodnm/polymaker/internal/domain"
)

// StateStore persiste el estado de trading para recuperación tras un
// reinicio. El core solo hace checkpoints a través de esta interfaz; la
// durabilidad es responsabilidad del adapter.
type StateStore interface {
	// SaveSnapshot persiste el checkpoint completo (posiciones + riesgo).
	SaveSnapshot(ctx context.Context, snap domain.StateSnapshot) error

	// LoadSnapshot devuelve el último checkpoint, o ok=false si no hay.
	LoadSnapshot(ctx context.Context) (snap domain.StateSnapshot, ok bool, err error)

	// SaveFill añade un fill al journal.
	SaveFill(ctx context.Context, fill domain.Fill) error

	// SaveExecution registra un intento de ejecución de basket terminado.
	SaveExecution(ctx context.Context, result domain.ExecutionResult) error

	// Close cierra la conexión a la base de datos limpiamente.
	Close() error
}
