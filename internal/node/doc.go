/*
Package node defines the vertex of the build graph and the contract between
the build manager and builders.

A Node binds a Builder to source entities, to nodes whose targets it consumes
and to order-only dependencies. Its name is derived from the builder
signature and the ordered identities of everything it declares, so the same
declaration always maps to the same persisted records:

  - the inputs record, an encoded snapshot of every input entity;
  - the targets record;
  - the side effects record;
  - the implicit dependencies record.

A node is actual when the inputs snapshot is byte-equal to the live one and
every recorded target and implicit dependency is still actual.
*/
package node
