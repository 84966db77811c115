package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"entitytx/pkg/coordinator"
	dberror "entitytx/pkg/error"
	"entitytx/pkg/primitives"
	"entitytx/pkg/record"
)

const (
	kindCD       primitives.EntityKind = "CD"
	kindCustomer primitives.EntityKind = "Customer"
	kindAddress  primitives.EntityKind = "Address"
)

type scenario struct {
	name  string
	about string
	run   func(ctx context.Context, c *coordinator.Coordinator) error
}

var scenarios = []scenario{
	{"persist", "persist a customer and its address, duplicate keys are rejected", runPersist},
	{"detach", "second-level cache contains and evict", runDetach},
	{"refresh", "refresh discards an unsaved change", runRefresh},
	{"find-all", "list customers including uncommitted inserts", runFindAll},
	{"cascade", "deleting a customer deletes its address", runCascade},
	{"optimistic", "two writers on one CD, the second commit conflicts", runOptimistic},
	{"pessimistic", "a write lock holds back a reader until commit", runPessimistic},
	{"force-increment", "a read that still bumps the version", runForceIncrement},
	{"lock-timeout", "a second writer gives up after the lock timeout", runLockTimeout},
}

func customer(first, last, email string, age int, gender, address string) record.Payload {
	return record.Payload{
		"firstName": first,
		"lastName":  last,
		"email":     email,
		"age":       age,
		"gender":    gender,
		"address":   address,
	}
}

func address(street, city, zip, country string) record.Payload {
	return record.Payload{"street": street, "city": city, "zipcode": zip, "country": country}
}

// createCustomer commits a customer together with a fresh address.
func createCustomer(ctx context.Context, c *coordinator.Coordinator, p, addr record.Payload) (cust, adr primitives.RecordID, err error) {
	err = c.Update(ctx, func(tx *coordinator.Transaction) error {
		adr, err = c.Persist(ctx, tx, primitives.NewRecordID(kindAddress, ""), addr)
		if err != nil {
			return err
		}
		p["address"] = adr.Key
		cust, err = c.Persist(ctx, tx, primitives.NewRecordID(kindCustomer, ""), p)
		return err
	})
	return cust, adr, err
}

// createCD commits a CD with the given price and returns its id.
func createCD(ctx context.Context, c *coordinator.Coordinator, title string, price float64) (primitives.RecordID, error) {
	var id primitives.RecordID
	err := c.Update(ctx, func(tx *coordinator.Transaction) error {
		var err error
		id, err = c.Persist(ctx, tx, primitives.NewRecordID(kindCD, ""), record.Payload{"title": title, "price": price})
		return err
	})
	return id, err
}

func runPersist(ctx context.Context, c *coordinator.Coordinator) error {
	tx, err := c.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = c.Rollback(tx) }()

	fixed := primitives.NewRecordID(kindAddress, "ritherdon")
	if _, err := c.Persist(ctx, tx, fixed, address("Ritherdon Rd", "London", "8QE", "UK")); err != nil {
		return err
	}
	_, err = c.Persist(ctx, tx, fixed, address("Ritherdon Rd", "London", "8QE", "UK"))
	if !errors.Is(err, dberror.ErrAlreadyExists) {
		return fmt.Errorf("expected duplicate persist to fail, got %v", err)
	}
	step("duplicate persist of %s rejected", fixed)

	cust, adr, err := createCustomer(ctx, c,
		customer("Antony", "Bandit", "tballa@mail.com", 20, "M", ""),
		address("Ritherdon Rd", "London", "8QE", "UK"))
	if err != nil {
		return err
	}
	step("persisted %s owning %s", cust, adr)

	return c.View(func(tx *coordinator.Transaction) error {
		rec, err := c.Read(ctx, tx, cust, coordinator.None)
		if err != nil {
			return err
		}
		step("read back %s", truncateString(rec.String(), 96))
		return nil
	})
}

func runDetach(ctx context.Context, c *coordinator.Coordinator) error {
	cust, _, err := createCustomer(ctx, c,
		customer("Ellen", "Lemon", "lemon@mail.com", 25, "F", ""),
		address("Voorstraat 15", "Utrecht", "3546AB", "NL"))
	if err != nil {
		return err
	}

	step("cache contains %s: %t", cust, c.Contains(cust))
	c.Evict(cust)
	step("after evict, cache contains %s: %t", cust, c.Contains(cust))

	err = c.View(func(tx *coordinator.Transaction) error {
		_, err := c.Read(ctx, tx, cust, coordinator.None)
		return err
	})
	if err != nil {
		return err
	}
	step("after a read, cache contains %s: %t", cust, c.Contains(cust))
	return nil
}

func runRefresh(ctx context.Context, c *coordinator.Coordinator) error {
	cust, _, err := createCustomer(ctx, c,
		customer("Sandy", "Beam", "sbean@mail.com", 27, "M", ""),
		address("Leidseplein 15", "Amsterdam", "2010FT", "NL"))
	if err != nil {
		return err
	}

	return c.View(func(tx *coordinator.Transaction) error {
		rec, err := c.Read(ctx, tx, cust, coordinator.Optimistic)
		if err != nil {
			return err
		}
		changed := rec.Payload.Clone()
		changed["firstName"] = "William"
		if err := c.Write(ctx, tx, cust, changed, false); err != nil {
			return err
		}
		step("buffered firstName = %v", changed["firstName"])

		rec, err = c.Refresh(ctx, tx, cust)
		if err != nil {
			return err
		}
		step("after refresh, firstName = %v", rec.Payload["firstName"])
		return nil
	})
}

func runFindAll(ctx context.Context, c *coordinator.Coordinator) error {
	if _, _, err := createCustomer(ctx, c,
		customer("Mandy", "Bunnik", "mbunnik@mail.com", 23, "F", ""),
		address("Leidseplein 15", "Amsterdam", "2010FT", "NL")); err != nil {
		return err
	}

	return c.View(func(tx *coordinator.Transaction) error {
		if _, err := c.Persist(ctx, tx, primitives.NewRecordID(kindCustomer, ""),
			customer("Fred", "Kroon", "fkroon@mail.com", 41, "M", "")); err != nil {
			return err
		}

		all, err := c.FindAll(ctx, tx, kindCustomer)
		if err != nil {
			return err
		}
		for _, rec := range all {
			state := "committed"
			if !rec.Version.IsValid() {
				state = "pending"
			}
			step("%-12s %-8s %v %v", rec.ID, state, rec.Payload["firstName"], rec.Payload["lastName"])
		}
		return nil
	})
}

func runCascade(ctx context.Context, c *coordinator.Coordinator) error {
	cust, adr, err := createCustomer(ctx, c,
		customer("Alexander", "Bandit", "abandit@mail.com", 30, "M", ""),
		address("Baker St", "London", "NW1", "UK"))
	if err != nil {
		return err
	}

	err = c.Update(ctx, func(tx *coordinator.Transaction) error {
		return c.Delete(ctx, tx, cust)
	})
	if err != nil {
		return err
	}
	step("deleted %s", cust)

	return c.View(func(tx *coordinator.Transaction) error {
		_, err := c.Read(ctx, tx, adr, coordinator.None)
		if !errors.Is(err, dberror.ErrNotFound) {
			return fmt.Errorf("expected %s to be gone, got %v", adr, err)
		}
		step("%s went with it", adr)
		return nil
	})
}

func runOptimistic(ctx context.Context, c *coordinator.Coordinator) error {
	cd, err := createCD(ctx, c, "Kind of Blue", 20)
	if err != nil {
		return err
	}

	a, err := c.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = c.Rollback(a) }()
	b, err := c.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = c.Rollback(b) }()

	for _, tx := range []*coordinator.Transaction{a, b} {
		rec, err := c.Read(ctx, tx, cd, coordinator.Optimistic)
		if err != nil {
			return err
		}
		step("%s read %s at %s, price %v", tx.ID, cd, rec.Version, rec.Payload["price"])
	}

	if err := c.Write(ctx, a, cd, record.Payload{"title": "Kind of Blue", "price": 25.0}, false); err != nil {
		return err
	}
	if err := c.Commit(ctx, a); err != nil {
		return err
	}
	step("%s committed price 25", a.ID)

	if err := c.Write(ctx, b, cd, record.Payload{"title": "Kind of Blue", "price": 30.0}, false); err != nil {
		return err
	}
	err = c.Commit(ctx, b)
	if !errors.Is(err, dberror.ErrVersionConflict) {
		return fmt.Errorf("expected a version conflict, got %v", err)
	}
	step("%s rejected: %v", b.ID, truncateString(err.Error(), 80))
	return nil
}

func runPessimistic(ctx context.Context, c *coordinator.Coordinator) error {
	if c.LockTimeout() <= 0 {
		step("lock timeout is zero, the reader cannot wait; skipped")
		return nil
	}

	cd, err := createCD(ctx, c, "Blue Train", 20)
	if err != nil {
		return err
	}

	writer, err := c.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = c.Rollback(writer) }()
	if _, err := c.Read(ctx, writer, cd, coordinator.PessimisticWrite); err != nil {
		return err
	}
	if err := c.Write(ctx, writer, cd, record.Payload{"title": "Blue Train", "price": 25.0}, false); err != nil {
		return err
	}
	step("%s holds the write lock on %s", writer.ID, cd)

	waiting := c.Stats().Locks.Waiting
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.View(func(tx *coordinator.Transaction) error {
			rec, err := c.Read(gctx, tx, cd, coordinator.PessimisticRead)
			if err != nil {
				return err
			}
			step("%s read price %v at %s", tx.ID, rec.Payload["price"], rec.Version)
			return nil
		})
	})
	g.Go(func() error {
		for c.Stats().Locks.Waiting == waiting {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
		step("reader is queued, committing %s", writer.ID)
		return c.Commit(gctx, writer)
	})
	return g.Wait()
}

func runForceIncrement(ctx context.Context, c *coordinator.Coordinator) error {
	cd, err := createCD(ctx, c, "Giant Steps", 18)
	if err != nil {
		return err
	}

	for _, mode := range []coordinator.LockMode{coordinator.OptimisticForceIncrement, coordinator.PessimisticForceIncrement} {
		var before primitives.Version
		err := c.Update(ctx, func(tx *coordinator.Transaction) error {
			rec, err := c.Read(ctx, tx, cd, mode)
			before = rec.Version
			return err
		})
		if err != nil {
			return err
		}

		var after record.Record
		err = c.View(func(tx *coordinator.Transaction) error {
			after, err = c.Read(ctx, tx, cd, coordinator.None)
			return err
		})
		if err != nil {
			return err
		}
		step("%s: %s -> %s, price still %v", mode, before, after.Version, after.Payload["price"])
	}
	return nil
}

func runLockTimeout(ctx context.Context, c *coordinator.Coordinator) error {
	cd, err := createCD(ctx, c, "A Love Supreme", 22)
	if err != nil {
		return err
	}

	holder, err := c.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = c.Rollback(holder) }()
	if _, err := c.Read(ctx, holder, cd, coordinator.PessimisticWrite); err != nil {
		return err
	}
	step("%s holds the write lock on %s", holder.ID, cd)

	start := time.Now()
	err = c.View(func(tx *coordinator.Transaction) error {
		_, err := c.Read(ctx, tx, cd, coordinator.PessimisticWrite)
		return err
	})
	if !errors.Is(err, dberror.ErrLockTimeout) {
		return fmt.Errorf("expected a lock timeout, got %v", err)
	}
	step("second writer gave up after %s", time.Since(start).Round(time.Millisecond))
	return nil
}
