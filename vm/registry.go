package vm

import (
	"strings"
	"sync"
	"unicode/utf16"

	"github.com/pkg/errors"
	"github.com/tliron/commonlog"

	"github.com/chazu/telescope/pkg/fault"
)

var registryLog = commonlog.GetLogger("telescope.classes")

// FieldDefinition is a field as declared in a class file.
type FieldDefinition struct {
	Name          string
	Descriptor    string
	Flags         AccessFlags
	ConstantValue uint16 // constant pool index, 0 if none
}

// MethodDefinition is a method as declared in a class file.
type MethodDefinition struct {
	Name       string
	Descriptor string
	Flags      AccessFlags
	Code       *CodeAttribute
}

// ClassDefinition is an unlinked class, as produced by the class file
// parser or built in code.
type ClassDefinition struct {
	Name       string
	Super      string // "" only for java/lang/Object
	Interfaces []string
	Flags      AccessFlags
	Pool       *ConstantPool
	Fields     []FieldDefinition
	Methods    []MethodDefinition
	Source     string
	Hybrid     bool
}

// ClassLoader finds class definitions by internal name. It returns an
// error matching fault.ErrClassNotFound when it does not know the class.
type ClassLoader interface {
	LoadClass(name string) (*ClassDefinition, error)
}

// MapLoader is a ClassLoader over definitions held in memory.
type MapLoader map[string]*ClassDefinition

// LoadClass implements ClassLoader.
func (l MapLoader) LoadClass(name string) (*ClassDefinition, error) {
	if def, ok := l[name]; ok {
		return def, nil
	}
	return nil, fault.Structuralf(fault.ErrClassNotFound, "%s", name)
}

// ClassRegistry holds every loaded class. Classes are looked up by internal
// name and loaded on demand from the registered loaders.
type ClassRegistry struct {
	mu         sync.Mutex
	classes    map[string]*ClassActor
	byID       []*ClassActor
	loaders    []ClassLoader
	loading    map[string]bool
	primitives map[Kind]*ClassActor
	interned   map[string]*Object
}

// NewClassRegistry creates a registry holding the bootstrap classes.
func NewClassRegistry(loaders ...ClassLoader) *ClassRegistry {
	r := &ClassRegistry{
		classes:    make(map[string]*ClassActor),
		loading:    make(map[string]bool),
		primitives: make(map[Kind]*ClassActor),
		interned:   make(map[string]*Object),
	}
	for _, k := range []Kind{KindBoolean, KindByte, KindChar, KindShort, KindInt, KindFloat, KindLong, KindDouble, KindVoid} {
		c := &ClassActor{Name: k.String(), Primitive: k, Source: "primitive", Flags: AccPublic | AccFinal | AccAbstract}
		c.link()
		r.primitives[k] = c
	}
	for _, def := range bootstrapDefinitions() {
		if _, err := r.define(def); err != nil {
			panic("vm: bootstrap class " + def.Name + ": " + err.Error())
		}
	}
	r.loaders = loaders
	return r
}

// AddLoader appends a class loader.
func (r *ClassRegistry) AddLoader(l ClassLoader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders = append(r.loaders, l)
}

// Lookup returns the named class, loading it if necessary. Array classes
// ("[I", "[Ljava/lang/String;") are synthesised from their component.
func (r *ClassRegistry) Lookup(name string) (*ClassActor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookup(name)
}

// MustLookup is like Lookup but panics. Intended for bootstrap classes.
func (r *ClassRegistry) MustLookup(name string) *ClassActor {
	c, err := r.Lookup(name)
	if err != nil {
		panic(err)
	}
	return c
}

func (r *ClassRegistry) lookup(name string) (*ClassActor, error) {
	if c, ok := r.classes[name]; ok {
		return c, nil
	}
	if strings.HasPrefix(name, "[") {
		comp, err := r.classOfDescriptor(name[1:])
		if err != nil {
			return nil, err
		}
		return r.arrayOf(comp), nil
	}
	if r.loading[name] {
		return nil, fault.Structuralf(fault.ErrClassNotFound, "circular load of %s", name)
	}
	r.loading[name] = true
	defer delete(r.loading, name)

	for _, l := range r.loaders {
		def, err := l.LoadClass(name)
		if err != nil {
			if errors.Is(err, fault.ErrClassNotFound) {
				continue
			}
			return nil, err
		}
		registryLog.Debugf("loading %s from %s", name, def.Source)
		return r.define(def)
	}
	return nil, fault.Structuralf(fault.ErrClassNotFound, "%s", name)
}

// ClassOfDescriptor returns the class a field descriptor names.
func (r *ClassRegistry) ClassOfDescriptor(desc string) (*ClassActor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.classOfDescriptor(desc)
}

func (r *ClassRegistry) classOfDescriptor(desc string) (*ClassActor, error) {
	if desc == "" {
		return nil, fault.Structuralf(fault.ErrBadBytecode, "empty descriptor")
	}
	switch desc[0] {
	case 'L':
		if !strings.HasSuffix(desc, ";") {
			return nil, fault.Structuralf(fault.ErrBadBytecode, "malformed descriptor %q", desc)
		}
		return r.lookup(desc[1 : len(desc)-1])
	case '[':
		return r.lookup(desc)
	}
	k := KindOfDescriptor(desc)
	if c, ok := r.primitives[k]; ok && len(desc) == 1 {
		return c, nil
	}
	return nil, fault.Structuralf(fault.ErrBadBytecode, "malformed descriptor %q", desc)
}

// Primitive returns the primitive class of kind k.
func (r *ClassRegistry) Primitive(k Kind) *ClassActor {
	return r.primitives[k]
}

// ArrayOf returns the array class with the given component.
func (r *ClassRegistry) ArrayOf(component *ClassActor) *ClassActor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.arrayOf(component)
}

func (r *ClassRegistry) arrayOf(component *ClassActor) *ClassActor {
	var name string
	kind := KindReference
	switch {
	case component.Primitive != KindVoid:
		kind = component.Primitive
		name = "[" + kind.Descriptor()
	case component.IsWord():
		kind = KindWord
		name = "[" + component.Descriptor()
	default:
		name = "[" + component.Descriptor()
	}
	if c, ok := r.classes[name]; ok {
		return c
	}
	c := &ClassActor{
		Name:        name,
		Flags:       AccPublic | AccFinal | AccAbstract,
		Super:       r.classes["java/lang/Object"],
		Interfaces:  []*ClassActor{r.classes["java/lang/Cloneable"], r.classes["java/io/Serializable"]},
		Component:   component,
		ElementKind: kind,
		Source:      "array",
	}
	c.link()
	r.register(c)
	return c
}

func (r *ClassRegistry) register(c *ClassActor) {
	c.ID = len(r.byID)
	r.byID = append(r.byID, c)
	r.classes[c.Name] = c
}

// Define links a class definition and registers it. Defining a class that
// already exists is an error.
func (r *ClassRegistry) Define(def *ClassDefinition) (*ClassActor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.define(def)
}

func (r *ClassRegistry) define(def *ClassDefinition) (*ClassActor, error) {
	if _, exists := r.classes[def.Name]; exists {
		return nil, fault.Structuralf(fault.ErrBadBytecode, "class %s already defined", def.Name)
	}
	c := &ClassActor{Name: def.Name, Flags: def.Flags, Pool: def.Pool, Source: def.Source, hybrid: def.Hybrid}
	if c.Pool == nil {
		c.Pool = NewConstantPool()
	}
	c.Pool.Holder = c

	if def.Super != "" {
		super, err := r.lookup(def.Super)
		if err != nil {
			return nil, fault.Wrap(err, "superclass of %s", def.Name)
		}
		c.Super = super
	}
	for _, name := range def.Interfaces {
		i, err := r.lookup(name)
		if err != nil {
			return nil, fault.Wrap(err, "interface of %s", def.Name)
		}
		c.Interfaces = append(c.Interfaces, i)
	}

	for _, fd := range def.Fields {
		f := &FieldActor{Name: fd.Name, Descriptor: fd.Descriptor, Kind: KindOfDescriptor(fd.Descriptor), Flags: fd.Flags}
		if fd.ConstantValue != 0 {
			v, err := r.constantValue(c.Pool, int(fd.ConstantValue))
			if err != nil {
				return nil, fault.Wrap(err, "constant value of %s.%s", def.Name, fd.Name)
			}
			f.ConstantValue = &v
		}
		c.Fields = append(c.Fields, f)
	}
	for _, md := range def.Methods {
		sig, err := ParseSignature(md.Descriptor)
		if err != nil {
			return nil, fault.Wrap(err, "method %s.%s", def.Name, md.Name)
		}
		c.Methods = append(c.Methods, &MethodActor{
			Name:       md.Name,
			Descriptor: md.Descriptor,
			Signature:  sig,
			Flags:      md.Flags,
			Code:       md.Code,
		})
	}
	c.link()
	r.register(c)
	return c, nil
}

func (r *ClassRegistry) constantValue(pool *ConstantPool, index int) (Value, error) {
	e, err := pool.Entry(index)
	if err != nil {
		return Void, err
	}
	if e.Tag == TagString {
		s, err := pool.Utf8At(int(e.Index1))
		if err != nil {
			return Void, err
		}
		o, err := r.internString(s)
		if err != nil {
			return Void, err
		}
		return RefValue(o), nil
	}
	return pool.Primitive(index)
}

// ByID returns the class with the given registry id.
func (r *ClassRegistry) ByID(id int) (*ClassActor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id < 0 || id >= len(r.byID) {
		return nil, false
	}
	return r.byID[id], true
}

// Classes returns every registered class in definition order.
func (r *ClassRegistry) Classes() []*ClassActor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*ClassActor(nil), r.byID...)
}

// Mirror returns the java/lang/Class instance for c.
func (r *ClassRegistry) Mirror(c *ClassActor) *Object {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.mirror == nil {
		m := NewTuple(r.classes["java/lang/Class"])
		m.mirror = c
		c.mirror = m
	}
	return c.mirror
}

// NewString allocates a local java/lang/String.
func (r *ClassRegistry) NewString(s string) (*Object, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.newString(s)
}

func (r *ClassRegistry) newString(s string) (*Object, error) {
	stringClass := r.classes["java/lang/String"]
	value, err := stringClass.MustField("value")
	if err != nil {
		return nil, err
	}
	units := utf16.Encode([]rune(s))
	chars := NewArray(r.arrayOf(r.primitives[KindChar]), len(units))
	for i, u := range units {
		chars.elems[i] = CharValue(u)
	}
	o := NewTuple(stringClass)
	o.fields[value.Index] = RefValue(chars)
	return o, nil
}

// InternString returns the canonical local string with the given content.
func (r *ClassRegistry) InternString(s string) (*Object, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.internString(s)
}

func (r *ClassRegistry) internString(s string) (*Object, error) {
	if o, ok := r.interned[s]; ok {
		return o, nil
	}
	o, err := r.newString(s)
	if err != nil {
		return nil, err
	}
	r.interned[s] = o
	return o, nil
}
