// MODUL: queue
// ZWECK: Beobachtungsfenster und Aktionspuffer fuer die Regelschleife
// INPUT: Beobachtungen pro Regelschritt, generierte Aktionsfolgen
// OUTPUT: gestapelte Beobachtungsfenster, einzelne Aktionen
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: gods/v2 arraylist
// HINWEISE: Ein leeres Fenster wird mit der ersten Beobachtung komplett aufgefuellt

package policy

import (
	"github.com/emirpasic/gods/v2/lists/arraylist"

	"github.com/ollama/diffpolicy/ml"
)

// fifo ist eine Liste mit fester Kapazitaet. Beim Ueberlauf faellt das aelteste Element heraus.
type fifo struct {
	list     *arraylist.List[*ml.Tensor]
	capacity int
}

func newFIFO(capacity int) *fifo {
	return &fifo{list: arraylist.New[*ml.Tensor](), capacity: capacity}
}

func (f *fifo) push(t *ml.Tensor) {
	f.list.Add(t)
	for f.list.Size() > f.capacity {
		f.list.Remove(0)
	}
}

func (f *fifo) pop() (*ml.Tensor, bool) {
	t, ok := f.list.Get(0)
	if ok {
		f.list.Remove(0)
	}
	return t, ok
}

// Queues haelt die letzten n_obs_steps Beobachtungen und die noch offenen Aktionen.
type Queues struct {
	images  *fifo
	states  *fifo
	actions *fifo
}

func NewQueues(nObsSteps, nActionSteps int) *Queues {
	return &Queues{
		images:  newFIFO(nObsSteps),
		states:  newFIFO(nObsSteps),
		actions: newFIFO(nActionSteps),
	}
}

// Reset leert alle Fenster
func (q *Queues) Reset() {
	q.images.list.Clear()
	q.states.list.Clear()
	q.actions.list.Clear()
}

// Update haengt eine Beobachtung an. Ist das Fenster nicht voll, wird sie
// so oft wiederholt, bis es voll ist.
func (q *Queues) Update(obs Observation) {
	for _, pair := range []struct {
		f *fifo
		t *ml.Tensor
	}{{q.images, obs[KeyImage]}, {q.states, obs[KeyState]}} {
		t := pair.t.Clone()
		if pair.f.list.Size() != pair.f.capacity {
			for pair.f.list.Size() < pair.f.capacity {
				pair.f.push(t)
			}
			continue
		}
		pair.f.push(t)
	}
}

// Len ist die Anzahl Beobachtungen im Fenster
func (q *Queues) Len() int { return q.states.list.Size() }

// Pending ist die Anzahl noch nicht ausgegebener Aktionen
func (q *Queues) Pending() int { return q.actions.list.Size() }

// Window stapelt das Fenster zu Bildern [B, n, 3, H, W] und Zustaenden [B, n, S]
func (q *Queues) Window() (images, states *ml.Tensor) {
	return stackTime(q.images.list.Values()), stackTime(q.states.list.Values())
}

// PushActions legt actions [B, n_action_steps, A] zeitlich geordnet in den Puffer
func (q *Queues) PushActions(actions *ml.Tensor) {
	batch, steps := actions.Dim(0), actions.Dim(1)
	for s := range steps {
		rows := make([]*ml.Tensor, batch)
		for b := range batch {
			rows[b] = actions.Row(b).Row(s)
		}
		q.actions.push(ml.Stack(rows...))
	}
}

// PopAction entnimmt die aelteste Aktion [B, A]
func (q *Queues) PopAction() (*ml.Tensor, bool) {
	return q.actions.pop()
}

// stackTime macht aus n Tensoren [B, ...] einen Tensor [B, n, ...]
func stackTime(ts []*ml.Tensor) *ml.Tensor {
	batch := ts[0].Dim(0)
	rows := make([]*ml.Tensor, batch)
	for b := range batch {
		steps := make([]*ml.Tensor, len(ts))
		for i, t := range ts {
			steps[i] = t.Row(b)
		}
		rows[b] = ml.Stack(steps...)
	}
	return ml.Stack(rows...)
}
