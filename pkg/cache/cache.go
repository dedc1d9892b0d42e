package cache

import (
	"container/list"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrKeyExists indicates an insert for a key that is already cached
var ErrKeyExists = errors.New("key already exists in cache")

// Cache is a weight bounded cache that evicts its least recently used items
// once the total weight exceeds the budget.
type Cache interface {
	SetVerbose(verbose bool)
	GetWeight() int
	GetBudget() int

	// Insert adds a new item, returning ErrKeyExists if the key is already
	// cached. The check and insert are atomic.
	Insert(key string, value interface{}, weight int) error

	// Retrieve fetches an item and marks it as recently used
	Retrieve(key string) (interface{}, bool)

	// Delete removes an item, returning whether it was present
	Delete(key string) bool

	Clear()
}

type entry struct {
	key    string
	value  interface{}
	weight int
}

type cache struct {
	log *logrus.Entry

	mu      sync.Mutex
	order   *list.List // front is most recently used
	lookup  map[string]*list.Element
	weight  int
	budget  int
	verbose bool
}

// NewCache returns a new cache with a given weight budget.
func NewCache(budget int) Cache {
	return &cache{
		log:    logrus.StandardLogger().WithField("type", "cache"),
		order:  list.New(),
		lookup: make(map[string]*list.Element),
		budget: budget,
	}
}

// SetVerbose controls whether evictions are logged
func (c *cache) SetVerbose(verbose bool) {
	c.mu.Lock()
	c.verbose = verbose
	c.mu.Unlock()
}

func (c *cache) GetWeight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.weight
}

func (c *cache) GetBudget() int {
	return c.budget
}

func (c *cache) Insert(key string, value interface{}, weight int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, found := c.lookup[key]; found {
		return ErrKeyExists
	}

	c.lookup[key] = c.order.PushFront(&entry{key: key, value: value, weight: weight})
	c.weight += weight

	for c.weight > c.budget && c.order.Len() > 0 {
		evicted := c.remove(c.order.Back())

		if c.verbose {
			c.log.WithFields(logrus.Fields{
				"key":          evicted.key,
				"weight":       evicted.weight,
				"spare_weight": c.budget - c.weight,
			}).Debug("evicted cache entry")
		}
	}

	return nil
}

func (c *cache) Retrieve(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, found := c.lookup[key]
	if !found {
		return nil, false
	}

	c.order.MoveToFront(element)
	return element.Value.(*entry).value, true
}

func (c *cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, found := c.lookup[key]
	if !found {
		return false
	}

	c.remove(element)
	return true
}

func (c *cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	c.lookup = make(map[string]*list.Element)
	c.weight = 0
}

func (c *cache) remove(element *list.Element) *entry {
	removed := c.order.Remove(element).(*entry)
	delete(c.lookup, removed.key)
	c.weight -= removed.weight
	return removed
}
