package metastore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gopkg.in/mgo.v2"
	"gopkg.in/mgo.v2/bson"
)

const (
	mongoNamespaces = "s3meta.namespaces"
	mongoCollPrefix = "s3meta.ns."
)

// Mongo is a Backend on a MongoDB database. Each namespace is a collection
// whose documents use the record key as _id.
type Mongo struct {
	session *mgo.Session
	dbName  string
}

type mongoRecord struct {
	Key   string `bson:"_id"`
	Value []byte `bson:"v"`
}

// DialMongo connects to the server at url and uses database dbName.
func DialMongo(url, dbName string) (*Mongo, error) {
	info, err := mgo.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse mongo url: %w", err)
	}
	if dbName != "" {
		info.Database = dbName
	}
	if info.Timeout == 0 {
		info.Timeout = 60 * time.Second
	}
	session, err := mgo.DialWithInfo(info)
	if err != nil {
		return nil, fmt.Errorf("dial mongo %v: %w", info.Addrs, err)
	}
	session.SetMode(mgo.Monotonic, true)
	return &Mongo{session: session, dbName: info.Database}, nil
}

// with runs fn on a copied session, the way mgo expects concurrent users
// to share one dialed session.
func (m *Mongo) with(fn func(db *mgo.Database) error) error {
	s := m.session.Copy()
	defer s.Close()
	return fn(s.DB(m.dbName))
}

func (m *Mongo) CreateNamespace(ctx context.Context, ns string) error {
	return m.with(func(db *mgo.Database) error {
		err := db.C(mongoNamespaces).Insert(bson.M{"_id": ns})
		if mgo.IsDup(err) {
			return ErrNamespaceExists
		}
		return err
	})
}

func (m *Mongo) DeleteNamespace(ctx context.Context, ns string) error {
	return m.with(func(db *mgo.Database) error {
		err := db.C(mongoNamespaces).RemoveId(ns)
		if errors.Is(err, mgo.ErrNotFound) {
			return ErrNamespaceNotFound
		}
		if err != nil {
			return err
		}
		_, err = db.C(mongoCollPrefix + ns).RemoveAll(nil)
		return err
	})
}

func (m *Mongo) NamespaceExists(ctx context.Context, ns string) (bool, error) {
	var ok bool
	err := m.with(func(db *mgo.Database) error {
		n, err := db.C(mongoNamespaces).FindId(ns).Count()
		ok = n > 0
		return err
	})
	return ok, err
}

func (m *Mongo) checkNamespace(db *mgo.Database, ns string) error {
	n, err := db.C(mongoNamespaces).FindId(ns).Count()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNamespaceNotFound
	}
	return nil
}

func (m *Mongo) Get(ctx context.Context, ns, key string) ([]byte, error) {
	var rec mongoRecord
	err := m.with(func(db *mgo.Database) error {
		err := db.C(mongoCollPrefix + ns).FindId(key).One(&rec)
		if errors.Is(err, mgo.ErrNotFound) {
			if err := m.checkNamespace(db, ns); err != nil {
				return err
			}
			return ErrKeyNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec.Value, nil
}

func (m *Mongo) Put(ctx context.Context, ns, key string, value []byte) error {
	return m.with(func(db *mgo.Database) error {
		if err := m.checkNamespace(db, ns); err != nil {
			return err
		}
		_, err := db.C(mongoCollPrefix+ns).UpsertId(key, mongoRecord{Key: key, Value: value})
		return err
	})
}

func (m *Mongo) Delete(ctx context.Context, ns, key string) error {
	return m.with(func(db *mgo.Database) error {
		err := db.C(mongoCollPrefix + ns).RemoveId(key)
		if errors.Is(err, mgo.ErrNotFound) {
			if err := m.checkNamespace(db, ns); err != nil {
				return err
			}
			return ErrKeyNotFound
		}
		return err
	})
}

func (m *Mongo) Scan(ctx context.Context, ns, start string, fn ScanFunc) error {
	if err := m.with(func(db *mgo.Database) error { return m.checkNamespace(db, ns) }); err != nil {
		return err
	}
	return scanBatches(ctx, start, func(from string, after bool, limit int) ([]entry, error) {
		op := "$gte"
		if after {
			op = "$gt"
		}
		var recs []mongoRecord
		err := m.with(func(db *mgo.Database) error {
			return db.C(mongoCollPrefix + ns).
				Find(bson.M{"_id": bson.M{op: from}}).
				Sort("_id").
				Limit(limit).
				All(&recs)
		})
		if err != nil {
			return nil, err
		}
		out := make([]entry, 0, len(recs))
		for _, r := range recs {
			out = append(out, entry{key: r.Key, value: r.Value})
		}
		return out, nil
	}, fn)
}

func (m *Mongo) Close() error {
	m.session.Close()
	return nil
}
